// Package docinfer derives structured document-generated records from an
// agent response stream.
//
// The authoritative signal (a tool_result for the document-creation tool) is
// lost whenever the transport falls back to its non-streaming shape, so the
// pipeline degrades through an ordered ladder of weaker signals: structured
// tool results, filename patterns in the assistant text, per-type keywords,
// and finally the document storage listing itself.
package docinfer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dealsense/dealsense/internal/models"
	"github.com/dlclark/regexp2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ToolCreateDocument is the tool name that marks a document creation.
const ToolCreateDocument = "create_document"

// ObjectInfo describes one stored artifact as reported by document storage.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Lister is the document-storage collaborator used by the final
// reconciliation tier.
type Lister interface {
	List(ctx context.Context, scope string) ([]ObjectInfo, error)
}

// filenamePattern matches generated artifact names of the form
// <type>-<timestamp>.<ext>, e.g. "loi-20240612153000.md".
var filenamePattern = regexp2.MustCompile(
	`(?i)\b(loi|nda|valuation|due-diligence)[-_](\d{8,14})\.(?:md|docx|pdf|txt)\b`, 0)

// docTypes is the fixed precedence order for the text tiers and for
// classifying stored artifacts by name.
var docTypes = []string{
	models.DocTypeLOI,
	models.DocTypeNDA,
	models.DocTypeValuation,
	models.DocTypeDueDiligence,
}

// typeKeywords drive the weakest tier: free-text mentions per document type.
var typeKeywords = map[string]*regexp2.Regexp{
	models.DocTypeLOI:          regexp2.MustCompile(`(?i)letter of intent`, 0),
	models.DocTypeNDA:          regexp2.MustCompile(`(?i)non[- ]disclosure|confidentiality agreement`, 0),
	models.DocTypeValuation:    regexp2.MustCompile(`(?i)valuation (report|analysis|summary)`, 0),
	models.DocTypeDueDiligence: regexp2.MustCompile(`(?i)due[- ]diligence (checklist|report)`, 0),
}

// Pipeline accumulates the signals of one request. It is not safe for
// concurrent use; each request gets its own pipeline.
type Pipeline struct {
	lister  Lister
	logger  *zap.Logger
	started time.Time

	text     strings.Builder
	seen     map[string]bool // record ids and storage keys already emitted
	expected int             // create_document invocations named by the complete event
	records  []models.DocumentRecord
}

// New creates a pipeline for one request. The lister may be nil, in which
// case the storage reconciliation tier is skipped.
func New(lister Lister, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		lister:  lister,
		logger:  logger,
		started: time.Now(),
		seen:    make(map[string]bool),
	}
}

// Observe feeds one stream event into the pipeline.
func (p *Pipeline) Observe(ev models.StreamEvent) {
	switch ev.Type {
	case models.EventText:
		p.text.WriteString(ev.Content)
	case models.EventToolResult:
		if ev.Tool == ToolCreateDocument {
			p.observeToolResult(ev.Result)
		}
	case models.EventComplete:
		p.expected = toolInvocations(ev.Metadata, ToolCreateDocument)
		if len(p.records) < p.expected {
			p.scanFilenames()
		}
		if len(p.records) < p.expected {
			p.scanKeywords()
		}
	}
}

// toolResultPayload is the structured tier-1 shape.
type toolResultPayload struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Status      string    `json:"status"`
	StorageKey  string    `json:"storage_key"`
	WordCount   int       `json:"word_count"`
	GeneratedAt time.Time `json:"generated_at"`
}

func (p *Pipeline) observeToolResult(raw json.RawMessage) {
	var payload toolResultPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		p.logger.Debug("unparseable create_document result", zap.Error(err))
		return
	}
	rec := models.DocumentRecord{
		ID:          payload.ID,
		Type:        payload.Type,
		Title:       payload.Title,
		Content:     payload.Content,
		Status:      payload.Status,
		StorageKey:  payload.StorageKey,
		WordCount:   payload.WordCount,
		GeneratedAt: payload.GeneratedAt,
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = models.DocStatusSaved
	}
	if rec.WordCount == 0 {
		rec.WordCount = len(strings.Fields(rec.Content))
	}
	if rec.GeneratedAt.IsZero() {
		rec.GeneratedAt = time.Now()
	}
	p.emit(rec)
}

// scanFilenames is the filename-pattern tier: generated artifact names
// spotted in the accumulated assistant text.
func (p *Pipeline) scanFilenames() {
	text := p.text.String()
	m, err := filenamePattern.FindStringMatch(text)
	for err == nil && m != nil {
		filename := m.String()
		docType := strings.ToLower(m.GroupByNumber(1).String())
		p.emit(models.DocumentRecord{
			ID:          uuid.NewString(),
			Type:        docType,
			Title:       filename,
			Status:      models.DocStatusSaved,
			StorageKey:  filename,
			GeneratedAt: time.Now(),
		})
		m, err = filenamePattern.FindNextMatch(m)
	}
}

// scanKeywords is the weakest text tier: one template record per document
// type whose keywords appear, deduplicated by type.
func (p *Pipeline) scanKeywords() {
	text := p.text.String()
	emittedTypes := make(map[string]bool)
	for _, rec := range p.records {
		emittedTypes[rec.Type] = true
	}
	for _, docType := range docTypes {
		if len(p.records) >= p.expected {
			return
		}
		if emittedTypes[docType] {
			continue
		}
		if ok, _ := typeKeywords[docType].MatchString(text); !ok {
			continue
		}
		emittedTypes[docType] = true
		p.emit(models.DocumentRecord{
			ID:          uuid.NewString(),
			Type:        docType,
			Title:       fmt.Sprintf("%s (template)", docType),
			Status:      models.DocStatusTemplate,
			StorageKey:  fmt.Sprintf("templates/%s.md", docType),
			GeneratedAt: time.Now(),
		})
	}
}

// Finalize runs the storage reconciliation tier and returns every record
// detected for the request. Artifacts created in storage after the request
// started that no earlier tier reported are emitted as saved.
func (p *Pipeline) Finalize(ctx context.Context, scope string) []models.DocumentRecord {
	if p.lister == nil {
		return p.Records()
	}
	objects, err := p.lister.List(ctx, scope)
	if err != nil {
		p.logger.Warn("document storage listing failed", zap.Error(err), zap.String("scope", scope))
		return p.Records()
	}
	for _, obj := range objects {
		if obj.LastModified.Before(p.started) || p.seen[obj.Key] {
			continue
		}
		docType := obj.Type
		if docType == "" {
			docType = typeFromName(obj.Name)
		}
		p.emit(models.DocumentRecord{
			ID:          uuid.NewString(),
			Type:        docType,
			Title:       obj.Name,
			Status:      models.DocStatusSaved,
			StorageKey:  obj.Key,
			GeneratedAt: obj.LastModified,
		})
	}
	return p.Records()
}

// Records returns the records emitted so far, in detection order.
func (p *Pipeline) Records() []models.DocumentRecord {
	return append([]models.DocumentRecord(nil), p.records...)
}

// emit appends a record unless its identity (id or storage key) was already
// seen in this request. A logical document is never reported twice.
func (p *Pipeline) emit(rec models.DocumentRecord) {
	if p.seen[rec.ID] || (rec.StorageKey != "" && p.seen[rec.StorageKey]) {
		return
	}
	p.seen[rec.ID] = true
	if rec.StorageKey != "" {
		p.seen[rec.StorageKey] = true
	}
	p.records = append(p.records, rec)
	p.logger.Debug("document record detected",
		zap.String("type", rec.Type),
		zap.String("status", rec.Status),
		zap.String("storage_key", rec.StorageKey))
}

// toolInvocations extracts a tool's invocation count from completion
// metadata. JSON numbers decode as float64; both shapes are accepted.
func toolInvocations(metadata map[string]any, tool string) int {
	used, ok := metadata["tools_used"].(map[string]any)
	if !ok {
		return 0
	}
	switch n := used[tool].(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

func typeFromName(name string) string {
	lower := strings.ToLower(name)
	for _, t := range docTypes {
		if strings.HasPrefix(lower, t) {
			return t
		}
	}
	return "document"
}
