// Package ingest runs the candidate ingestion workflow: resolve the company
// and position, scrape the portal, drop known and repeated candidates, store
// the rest and report the counts.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/portal-connector/internal/dedup"
	"github.com/sells-group/portal-connector/internal/model"
	"github.com/sells-group/portal-connector/internal/scrape"
	"github.com/sells-group/portal-connector/internal/store"
)

// Request is one scrape-and-ingest job. Credentials are passed to the
// browsing task and never stored or logged.
type Request struct {
	PortalURL          string `json:"portal_url" validate:"required,url"`
	Username           string `json:"username" validate:"required"`
	Password           string `json:"password" validate:"required"`
	PositionName       string `json:"position_name" validate:"required,max=512"`
	CompanyName        string `json:"company_name" validate:"required,max=512"`
	PositionExternalID string `json:"position_external_id,omitempty" validate:"omitempty,max=256"`
}

// Report summarizes a completed ingestion.
type Report struct {
	InsertedCount int    `json:"inserted_count"`
	SkippedCount  int    `json:"skipped_count"`
	DurationMS    int64  `json:"duration_ms"`
	TaskID        string `json:"task_id"`
	Message       string `json:"message"`
}

// Scraper runs a browsing task to completion.
type Scraper interface {
	Run(ctx context.Context, job scrape.Job) (*scrape.Result, error)
}

// Service runs ingestion requests. It is safe for concurrent use.
type Service struct {
	store    store.Store
	scraper  Scraper
	keyer    model.Keyer
	validate *validator.Validate
	now      func() time.Time
}

// NewService creates a Service. The same keyer must be used for every
// ingestion into a store.
func NewService(st store.Store, sc Scraper, k model.Keyer) *Service {
	return &Service{
		store:    st,
		scraper:  sc,
		keyer:    k,
		validate: newValidator(),
		now:      time.Now,
	}
}

// Validate checks req without touching storage or the network.
func (s *Service) Validate(req Request) error {
	if err := s.validate.Struct(req); err != nil {
		return newError(KindValidation, "validate request", eris.New(validationMessage(err)))
	}
	return nil
}

// Run executes req. On failure no report is returned; company and position
// rows created before the failure are kept and reused by the next run.
func (s *Service) Run(ctx context.Context, req Request) (*Report, error) {
	start := s.now()
	if err := s.Validate(req); err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("component", "ingest"),
		zap.String("company", req.CompanyName),
		zap.String("position", req.PositionName),
	)

	company, err := s.store.EnsureCompany(ctx, req.CompanyName)
	if err != nil {
		return nil, storageError("ensure company", err)
	}
	position, err := s.store.EnsurePosition(ctx, company.ID, req.PositionName, req.PositionExternalID)
	if err != nil {
		return nil, storageError("ensure position", err)
	}
	seen, err := s.store.SeenDigests(ctx, position.ID)
	if err != nil {
		return nil, storageError("load seen digests", err)
	}

	res, err := s.scraper.Run(ctx, scrape.Job{
		PortalURL:    req.PortalURL,
		Username:     req.Username,
		Password:     req.Password,
		PositionName: req.PositionName,
		CompanyName:  req.CompanyName,
		PositionID:   position.ID,
		Seen:         seen,
	})
	if err != nil {
		log.Warn("ingest: scrape failed", zap.Error(err))
		return nil, scrapeError(err)
	}

	rep, err := s.ingest(ctx, position.ID, seen, res.Task, res.Candidates)
	if err != nil {
		return nil, err
	}
	rep.DurationMS = s.now().Sub(start).Milliseconds()

	log.Info("ingest: complete",
		zap.String("task_id", rep.TaskID),
		zap.Int("raw", len(res.Candidates)),
		zap.Int("inserted", rep.InsertedCount),
		zap.Int("skipped", rep.SkippedCount),
		zap.Int64("duration_ms", rep.DurationMS),
	)
	return rep, nil
}

// ingest filters raw against seen and stores the remainder for positionID.
// skipped counts everything not inserted, including rows a concurrent writer
// stored first.
func (s *Service) ingest(ctx context.Context, positionID string, seen model.DigestSet, task *model.ScrapeTask, raw []model.RawCandidate) (*Report, error) {
	filtered := dedup.Filter(positionID, raw, seen, s.keyer, task.PortalURL)
	if filtered.Contactless > 0 {
		zap.L().Warn("ingest: records without phone or email share one key",
			zap.String("position_id", positionID),
			zap.Int("contactless", filtered.Contactless),
		)
	}

	inserted, err := s.store.InsertCandidates(ctx, positionID, filtered.Kept)
	if err != nil {
		return nil, storageError("insert candidates", err)
	}

	task.RawCount = len(raw)
	task.InsertedCount = inserted
	task.SkippedCount = len(raw) - inserted
	task.State = model.TaskStateIngested
	task.Error = ""
	if task.ID != "" {
		if err := s.store.UpdateTask(context.WithoutCancel(ctx), task); err != nil {
			zap.L().Error("ingest: record ingested task", zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	return &Report{
		InsertedCount: inserted,
		SkippedCount:  task.SkippedCount,
		TaskID:        task.ExternalID,
		Message:       summary(inserted, task.SkippedCount),
	}, nil
}

func summary(inserted, skipped int) string {
	return fmt.Sprintf("Inserted %d new candidates, skipped %d duplicates", inserted, skipped)
}

// validationMessage flattens validator errors into "field: rule" pairs.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
