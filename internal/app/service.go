package app

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"inkwell/api/internal/collab"
	"inkwell/api/internal/gitrepo"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
)

type dataStore interface {
	Ping(context.Context) error
	GetDocument(context.Context, string) (store.Document, error)
}

type archive interface {
	History(documentID string, limit int) ([]gitrepo.Revision, error)
	ContentAt(documentID, hash string) (string, error)
}

type searcher interface {
	Search(q search.Query) search.Response
}

// Check is a named readiness check, such as the Redis cache.
type Check struct {
	Name string
	Ping func(context.Context) error
}

// Service is the read/write surface the HTTP API exposes over the
// collaboration gateway and its supporting stores.
type Service struct {
	gateway *collab.Gateway
	store   dataStore
	git     archive
	search  searcher
	checks  []Check
	log     *zap.Logger
}

func New(gateway *collab.Gateway, st dataStore, git archive, finder searcher, log *zap.Logger, checks ...Check) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		gateway: gateway,
		store:   st,
		git:     git,
		search:  finder,
		checks:  checks,
		log:     log,
	}
}

// Ready runs the database ping followed by the extra checks. The map holds
// one entry per check, nil for healthy.
func (s *Service) Ready(ctx context.Context) map[string]error {
	results := map[string]error{"database": s.store.Ping(ctx)}
	for _, check := range s.checks {
		results[check.Name] = check.Ping(ctx)
	}
	return results
}

// Document returns the durably stored document.
func (s *Service) Document(ctx context.Context, documentID string) (store.Document, error) {
	if err := validateDocumentID(documentID); err != nil {
		return store.Document{}, err
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Document{}, notFound("Document")
	}
	return doc, err
}

// Presence returns the live participants of a document. A document without
// an active session has nobody present.
func (s *Service) Presence(ctx context.Context, documentID string) (collab.SessionInfo, error) {
	if err := validateDocumentID(documentID); err != nil {
		return collab.SessionInfo{}, err
	}
	info, found, err := s.gateway.Inspect(ctx, documentID)
	if err != nil {
		return collab.SessionInfo{}, err
	}
	if !found {
		info = collab.SessionInfo{DocumentID: documentID}
	}
	if info.Participants == nil {
		info.Participants = []collab.Participant{}
	}
	return info, nil
}

// SaveContent replaces a document's content as a system edit.
func (s *Service) SaveContent(ctx context.Context, documentID, content string) error {
	if err := validateDocumentID(documentID); err != nil {
		return err
	}
	if err := s.gateway.SubmitContent(ctx, documentID, content); err != nil {
		return err
	}
	s.log.Info("document content submitted", zap.String("document_id", documentID), zap.Int("bytes", len(content)))
	return nil
}

func (s *Service) Revisions(documentID string, limit int) ([]gitrepo.Revision, error) {
	if err := validateDocumentID(documentID); err != nil {
		return nil, err
	}
	if s.git == nil {
		return []gitrepo.Revision{}, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.git.History(documentID, limit)
}

func (s *Service) RevisionContent(documentID, hash string) (string, error) {
	if err := validateDocumentID(documentID); err != nil {
		return "", err
	}
	if s.git == nil {
		return "", gitrepo.ErrRevisionNotFound
	}
	return s.git.ContentAt(documentID, hash)
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil || strings.TrimSpace(q.Text) == "" {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func validateDocumentID(documentID string) error {
	if strings.TrimSpace(documentID) == "" {
		return invalid("INVALID_DOCUMENT_ID", "Document id is required")
	}
	return nil
}
