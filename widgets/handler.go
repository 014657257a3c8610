package widgets

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"cognita_back/authorization"
	"cognita_back/faults"
	"cognita_back/knowledge"
	"cognita_back/llm"
	"cognita_back/ocr"
	"cognita_back/services"
	"cognita_back/storage"
)

// Module serves the widget management surface: the widget rows
// themselves plus their source content (pasted text, uploaded
// documents) and the cached suggested questions.
type Module struct {
	db        *gorm.DB
	store     *knowledge.Store
	ingestor  *knowledge.Ingestor
	objects   *storage.ObjectStore
	processor *ocr.Processor
	model     *llm.ChatClient
	uploadMax int64

	// onDelete hooks run after a widget row is removed so sibling
	// modules can drop their per-widget state. Registered before the
	// router starts serving; not safe for concurrent mutation.
	onDelete []func(ctx context.Context, widgetID uint64) error

	// suggesting holds widget ids with a question refresh in flight.
	suggesting sync.Map
}

// RegisterRoutes wires the widget module. Creation is open to anonymous
// callers; management of an owned widget requires its owner.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, backends *services.Container) (*Module, error) {
	if backends == nil || backends.DB == nil {
		return nil, errors.New("widgets: database handle is required")
	}
	if err := EnsureStorage(backends.DB); err != nil {
		return nil, err
	}
	if err := knowledge.EnsureStorage(backends.DB); err != nil {
		return nil, err
	}

	module := &Module{
		db:        backends.DB,
		store:     backends.Store,
		ingestor:  backends.Ingestor,
		objects:   backends.Objects,
		processor: backends.OCR,
		model:     backends.LLM,
		uploadMax: uploadMaxFromEnv(),
	}

	group := router.Group("/widgets")
	if guard != nil {
		group.Use(guard.Optional())
	}
	group.POST("", module.handleCreateWidget)
	group.GET("", module.handleListWidgets)
	group.GET("/:id", module.handleGetWidget)
	group.PUT("/:id", module.handleUpdateWidget)
	group.DELETE("/:id", module.handleDeleteWidget)

	group.POST("/:id/content", module.handlePasteContent)
	group.POST("/:id/documents", module.handleUploadDocument)
	group.GET("/:id/documents", module.handleListDocuments)
	group.DELETE("/:id/documents/:docID", module.handleDeleteDocument)
	group.POST("/:id/documents/:docID/retry", module.handleRetryDocument)
	group.POST("/:id/refresh", module.handleRefresh)
	group.GET("/:id/suggestions", module.handleSuggestions)

	return module, nil
}

// OnDelete registers a cleanup hook invoked after a widget is deleted.
// Hook failures log and do not undo the deletion.
func (m *Module) OnDelete(fn func(ctx context.Context, widgetID uint64) error) {
	if fn != nil {
		m.onDelete = append(m.onDelete, fn)
	}
}

func parseIDParam(c *gin.Context, name, label string) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(c.Param(name)), 10, 64)
	if err != nil || id == 0 {
		faults.Respond(c, faults.Errorf(faults.CodeInvalidInput, "invalid %s id", label))
		return 0, false
	}
	return id, true
}

func (m *Module) loadWidget(c *gin.Context) (*Widget, bool) {
	widgetID, ok := parseIDParam(c, "id", "widget")
	if !ok {
		return nil, false
	}

	var w Widget
	err := m.db.WithContext(c.Request.Context()).First(&w, widgetID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		faults.Respond(c, faults.Errorf(faults.CodeNotFound, "widget %d not found", widgetID))
		return nil, false
	}
	if err != nil {
		log.Printf("widgets: load widget %d: %v", widgetID, err)
		faults.Respond(c, faults.Wrap(faults.CodeInternal, "could not load widget", err))
		return nil, false
	}
	return &w, true
}

// loadManagedWidget gates the management surface. Owned widgets demand
// their owner; unowned widgets stay manageable by whoever holds the id,
// matching how they were created.
func (m *Module) loadManagedWidget(c *gin.Context) (*Widget, bool) {
	w, ok := m.loadWidget(c)
	if !ok {
		return nil, false
	}
	userID := authorization.UserIDOrZero(c)
	if w.OwnerID != nil && *w.OwnerID != userID {
		faults.Respond(c, faults.New(faults.CodeForbidden, "only the widget owner can manage it"))
		return nil, false
	}
	return w, true
}

// loadVisibleWidget gates the visitor surface: owners always, everyone
// else only when the widget is public.
func (m *Module) loadVisibleWidget(c *gin.Context) (*Widget, bool) {
	w, ok := m.loadWidget(c)
	if !ok {
		return nil, false
	}
	userID := authorization.UserIDOrZero(c)
	owner := w.OwnerID != nil && userID != 0 && *w.OwnerID == userID
	if !w.Public && !owner {
		faults.Respond(c, faults.New(faults.CodeUnauthorized, "this widget is private"))
		return nil, false
	}
	return w, true
}

type createWidgetRequest struct {
	Name          string `json:"name" binding:"required"`
	Description   string `json:"description"`
	Public        bool   `json:"public"`
	Instructions  string `json:"instructions"`
	SourceURL     string `json:"source_url"`
	StoreClientIP bool   `json:"store_client_ip"`
}

func validSourceURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

// handleCreateWidget mints the embed token alongside the row. The raw
// token appears in this response and nowhere else; only its hash is
// stored.
func (m *Module) handleCreateWidget(c *gin.Context) {
	var req createWidgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		faults.Respond(c, faults.Wrap(faults.CodeInvalidInput, "a widget name is required", err))
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		faults.Respond(c, faults.New(faults.CodeInvalidInput, "a widget name is required"))
		return
	}
	sourceURL := strings.TrimSpace(req.SourceURL)
	if sourceURL != "" && !validSourceURL(sourceURL) {
		faults.Respond(c, faults.New(faults.CodeInvalidInput, "source_url must be an http or https url"))
		return
	}

	rawToken, tokenHash, err := MintEmbedToken()
	if err != nil {
		log.Printf("widgets: mint embed token: %v", err)
		faults.Respond(c, faults.Wrap(faults.CodeInternal, "could not mint embed token", err))
		return
	}

	w := Widget{
		Name:           name,
		Description:    strings.TrimSpace(req.Description),
		Public:         req.Public,
		Instructions:   strings.TrimSpace(req.Instructions),
		SourceURL:      sourceURL,
		StoreClientIP:  req.StoreClientIP,
		EmbedTokenHash: tokenHash,
	}
	if userID := authorization.UserIDOrZero(c); userID != 0 {
		w.OwnerID = &userID
	}

	if err := m.db.WithContext(c.Request.Context()).Create(&w).Error; err != nil {
		log.Printf("widgets: create widget: %v", err)
		faults.Respond(c, faults.Wrap(faults.CodeInternal, "could not create widget", err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"widget":      w,
		"embed_token": rawToken,
	})
}

func (m *Module) handleListWidgets(c *gin.Context) {
	userID := authorization.UserIDOrZero(c)
	if userID == 0 {
		faults.Respond(c, faults.New(faults.CodeUnauthorized, "sign in to list your widgets"))
		return
	}

	var list []Widget
	err := m.db.WithContext(c.Request.Context()).
		Where("owner_id = ?", userID).
		Order("updated_at DESC").
		Find(&list).Error
	if err != nil {
		log.Printf("widgets: list widgets for user %d: %v", userID, err)
		faults.Respond(c, faults.Wrap(faults.CodeInternal, "could not list widgets", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"widgets": list})
}

func (m *Module) handleGetWidget(c *gin.Context) {
	w, ok := m.loadManagedWidget(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"widget": w})
}

type updateWidgetRequest struct {
	Name          *string `json:"name"`
	Description   *string `json:"description"`
	Public        *bool   `json:"public"`
	Instructions  *string `json:"instructions"`
	SourceURL     *string `json:"source_url"`
	StoreClientIP *bool   `json:"store_client_ip"`
}

// handleUpdateWidget applies only the fields present in the request.
// Changing source_url does not invalidate crawled content; the next
// crawl start does that.
func (m *Module) handleUpdateWidget(c *gin.Context) {
	w, ok := m.loadManagedWidget(c)
	if !ok {
		return
	}

	var req updateWidgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		faults.Respond(c, faults.Wrap(faults.CodeInvalidInput, "invalid update payload", err))
		return
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			faults.Respond(c, faults.New(faults.CodeInvalidInput, "a widget name cannot be blank"))
			return
		}
		updates["name"] = name
	}
	if req.Description != nil {
		updates["description"] = strings.TrimSpace(*req.Description)
	}
	if req.Public != nil {
		updates["public"] = *req.Public
	}
	if req.Instructions != nil {
		updates["instructions"] = strings.TrimSpace(*req.Instructions)
	}
	if req.SourceURL != nil {
		sourceURL := strings.TrimSpace(*req.SourceURL)
		if sourceURL != "" && !validSourceURL(sourceURL) {
			faults.Respond(c, faults.New(faults.CodeInvalidInput, "source_url must be an http or https url"))
			return
		}
		updates["source_url"] = sourceURL
	}
	if req.StoreClientIP != nil {
		updates["store_client_ip"] = *req.StoreClientIP
	}
	if len(updates) == 0 {
		c.JSON(http.StatusOK, gin.H{"widget": w})
		return
	}

	ctx := c.Request.Context()
	if err := m.db.WithContext(ctx).Model(w).Updates(updates).Error; err != nil {
		log.Printf("widgets: update widget %d: %v", w.ID, err)
		faults.Respond(c, faults.Wrap(faults.CodeInternal, "could not update widget", err))
		return
	}

	var updated Widget
	if err := m.db.WithContext(ctx).First(&updated, w.ID).Error; err != nil {
		log.Printf("widgets: reload widget %d: %v", w.ID, err)
		faults.Respond(c, faults.Wrap(faults.CodeInternal, "could not reload widget", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"widget": updated})
}

// handleDeleteWidget removes the widget and everything hanging off it:
// chunks and vectors first (a failure there aborts with the rows
// intact, so the delete can be retried), then blobs, then the rows.
func (m *Module) handleDeleteWidget(c *gin.Context) {
	w, ok := m.loadManagedWidget(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if err := m.store.DeleteForWidget(ctx, w.ID); err != nil {
		log.Printf("widgets: clear embeddings for widget %d: %v", w.ID, err)
		faults.Respond(c, faults.Wrap(faults.CodeInternal, "could not clear widget embeddings", err))
		return
	}
	if m.objects.Enabled() {
		if err := m.objects.RemoveWidget(ctx, w.ID); err != nil {
			log.Printf("widgets: remove blobs for widget %d: %v", w.ID, err)
		}
	}

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("widget_id = ?", w.ID).Delete(&knowledge.Chunk{}).Error; err != nil {
			return err
		}
		if err := tx.Where("widget_id = ?", w.ID).Delete(&knowledge.SourceDocument{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Widget{}, w.ID).Error
	})
	if err != nil {
		log.Printf("widgets: delete widget %d: %v", w.ID, err)
		faults.Respond(c, faults.Wrap(faults.CodeInternal, "could not delete widget", err))
		return
	}

	for _, hook := range m.onDelete {
		if err := hook(ctx, w.ID); err != nil {
			log.Printf("widgets: post-delete hook for widget %d: %v", w.ID, err)
		}
	}

	c.Status(http.StatusNoContent)
}
