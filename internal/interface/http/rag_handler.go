package http

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yanqian/ragserver/internal/domain/rag"
)

// ListCollections returns the caller's tree, optionally under a parent.
func (h *Handler) ListCollections(c *gin.Context) {
	claims, _ := getClaims(c)
	var parentID *uuid.UUID
	if raw := c.Query("parent_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_id", "malformed parent_id", err))
			return
		}
		parentID = &id
	}
	opts := rag.ListOptions{
		Limit:          queryInt(c, "limit", 200),
		Offset:         queryInt(c, "offset", 0),
		IncludeDeleted: c.Query("include_deleted") == "true",
	}
	collections, err := h.ragSvc.ListCollections(c.Request.Context(), claims.UserID, parentID, opts)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"collections": collections})
}

// CreateCollection adds a node to the tree.
func (h *Handler) CreateCollection(c *gin.Context) {
	claims, _ := getClaims(c)
	var req rag.CreateCollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", errMessage(err), err))
		return
	}
	col, err := h.ragSvc.CreateCollection(c.Request.Context(), claims.UserID, req)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, col)
}

// UpdateCollection renames or moves a node.
func (h *Handler) UpdateCollection(c *gin.Context) {
	claims, _ := getClaims(c)
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req rag.UpdateCollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", errMessage(err), err))
		return
	}
	col, err := h.ragSvc.UpdateCollection(c.Request.Context(), claims.UserID, id, req)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, col)
}

// DeleteCollection soft-deletes by default; ?hard_delete=true cascades.
func (h *Handler) DeleteCollection(c *gin.Context) {
	claims, _ := getClaims(c)
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	hard := c.Query("hard_delete") == "true"
	if err := h.ragSvc.DeleteCollection(c.Request.Context(), claims.UserID, id, hard); err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UploadDocument is phase one: accept and validate bytes.
func (h *Handler) UploadDocument(c *gin.Context) {
	claims, _ := getClaims(c)
	fileHeader, err := c.FormFile("file")
	if err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", "file is required", err))
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", "failed to read upload", err))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		abortWithError(c, NewHTTPError(http.StatusInternalServerError, "upload_failed", "failed to read file", err))
		return
	}
	declared := fileHeader.Size
	if raw := c.PostForm("declared_size"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > 0 {
			declared = v
		}
	}
	upload, err := h.ragSvc.BeginUpload(c.Request.Context(), claims.UserID, rag.BeginUploadRequest{
		FileName:     fileHeader.Filename,
		DeclaredSize: declared,
		MimeType:     fileHeader.Header.Get("Content-Type"),
		Content:      data,
	})
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"uploadId": upload.ID, "upload": upload})
}

// CreateDocument is phase two: bind the upload and enqueue ingestion.
func (h *Handler) CreateDocument(c *gin.Context) {
	claims, _ := getClaims(c)
	var req rag.CreateDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", errMessage(err), err))
		return
	}
	doc, err := h.ragSvc.CreateDocument(c.Request.Context(), claims.UserID, req)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, doc)
}

// GetDocument fetches a document.
func (h *Handler) GetDocument(c *gin.Context) {
	claims, _ := getClaims(c)
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	doc, err := h.ragSvc.GetDocument(c.Request.Context(), claims.UserID, id)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// ListDocuments lists a collection's documents.
func (h *Handler) ListDocuments(c *gin.Context) {
	claims, _ := getClaims(c)
	raw := c.Query("collection_id")
	collectionID, err := uuid.Parse(raw)
	if err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_id", "collection_id query parameter is required", err))
		return
	}
	opts := rag.ListOptions{
		Limit:          queryInt(c, "limit", 100),
		Offset:         queryInt(c, "offset", 0),
		IncludeDeleted: c.Query("include_deleted") == "true",
	}
	docs, err := h.ragSvc.ListDocuments(c.Request.Context(), claims.UserID, collectionID, opts)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

// DeleteDocument removes a document and its chunks/vectors. Idempotent.
func (h *Handler) DeleteDocument(c *gin.Context) {
	claims, _ := getClaims(c)
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	if err := h.ragSvc.DeleteDocument(c.Request.Context(), claims.UserID, id); err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ReingestDocument re-queues a failed document.
func (h *Handler) ReingestDocument(c *gin.Context) {
	claims, _ := getClaims(c)
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	doc, err := h.ragSvc.ReingestDocument(c.Request.Context(), claims.UserID, id)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, doc)
}

// DocumentStatus streams ingestion progress over SSE until a terminal state.
func (h *Handler) DocumentStatus(c *gin.Context) {
	claims, _ := getClaims(c)
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	doc, err := h.ragSvc.GetDocument(c.Request.Context(), claims.UserID, id)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}

	events, cancel := h.progress.Subscribe(id)
	defer cancel()

	writer, ok := newSSEWriter(c)
	if !ok {
		return
	}

	// Current state first so late subscribers see where the pipeline stands.
	initial := rag.ProgressEvent{
		DocumentID: doc.ID,
		Status:     doc.Status,
		Progress:   doc.Progress,
		ChunkCount: doc.ChunkCount,
	}
	if err := writer.Event("progress", initial); err != nil {
		return
	}
	if initial.Terminal() {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			if err := writer.Heartbeat(); err != nil {
				return
			}
		case ev := <-events:
			if err := writer.Event("progress", ev); err != nil {
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}
}

type searchRequest struct {
	Question            string   `json:"question"`
	CollectionIDs       []string `json:"collectionIds"`
	DocumentIDs         []string `json:"documentIds"`
	K                   int      `json:"k"`
	SimilarityThreshold *float64 `json:"similarityThreshold"`
}

// Search runs a vector search and returns packed chunks with citations.
func (h *Handler) Search(c *gin.Context) {
	claims, _ := getClaims(c)
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", errMessage(err), err))
		return
	}
	collectionIDs, ok := parseUUIDs(c, req.CollectionIDs)
	if !ok {
		return
	}
	documentIDs, ok := parseUUIDs(c, req.DocumentIDs)
	if !ok {
		return
	}
	snapshot := h.resolver.Current(c.Request.Context())
	k := req.K
	if k == 0 {
		k = snapshot.RetrievalDefaultK
	}
	threshold := snapshot.RetrievalThreshold
	if req.SimilarityThreshold != nil {
		threshold = *req.SimilarityThreshold
	}
	result, err := h.retriever.Retrieve(c.Request.Context(), rag.RetrieveRequest{
		Question:                 req.Question,
		OwnerID:                  claims.UserID,
		CollectionIDs:            collectionIDs,
		DocumentIDs:              documentIDs,
		K:                        k,
		SimilarityThreshold:      threshold,
		ModelContextWindow:       snapshot.ModelContextWindow,
		ReservedCompletionTokens: snapshot.ReservedCompletionTokens,
	})
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
