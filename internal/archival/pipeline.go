// Package archival turns an approved inspection into a durable, hashed and
// externally anchored report.
package archival

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"inspection/api/internal/ledger"
	"inspection/api/internal/logger"
	"inspection/api/internal/report"
	"inspection/api/internal/store"
)

type Stage string

const (
	StageRender Stage = "render"
	StageHash   Stage = "hash"
	StageStore  Stage = "store"
	StageAnchor Stage = "anchor"
	StageVerify Stage = "verify"
)

// Error tags a pipeline failure with the step that produced it.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("archival %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrHashMismatch is reported by Verify when stored bytes no longer match
// the recorded hash.
var ErrHashMismatch = errors.New("report hash mismatch")

type Renderer interface {
	Render(ctx context.Context, url string) ([]byte, error)
}

type ArtifactStore interface {
	Save(ctx context.Context, name string, data []byte, contentType string) (string, error)
	Load(ctx context.Context, reference string) ([]byte, error)
}

type LedgerAnchor interface {
	Anchor(ctx context.Context, payload ledger.Payload) (ledger.Receipt, error)
}

// Result is the outcome of Run. On success Archival carries every output;
// on failure Err names the failed stage.
type Result struct {
	Success  bool
	Reason   string
	Err      *Error
	Archival store.Archival
	Duration time.Duration
}

type Pipeline struct {
	renderer      Renderer
	artifacts     ArtifactStore
	anchor        LedgerAnchor
	reportBaseURL string
	log           *logger.Logger
}

func NewPipeline(renderer Renderer, artifacts ArtifactStore, anchor LedgerAnchor, reportBaseURL string, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.Nop()
	}
	return &Pipeline{
		renderer:      renderer,
		artifacts:     artifacts,
		anchor:        anchor,
		reportBaseURL: strings.TrimRight(reportBaseURL, "/"),
		log:           log.With("component", "ArchivalPipeline"),
	}
}

// ReportURL is the page the renderer prints for prettyID.
func ReportURL(baseURL, prettyID string) string {
	return strings.TrimRight(baseURL, "/") + "/" + url.PathEscape(prettyID)
}

func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Run executes render, hash, store and anchor in order. It stops at the
// first failing step and never retries one.
func (p *Pipeline) Run(ctx context.Context, record store.InspectionRecord) Result {
	started := time.Now()
	log := p.log.With("record_id", record.ID, "pretty_id", record.PrettyID)

	fail := func(stage Stage, err error) Result {
		archivalErr := &Error{Stage: stage, Err: err}
		log.Warn("Archival pipeline failed", "stage", string(stage), "error", err.Error())
		return Result{Reason: archivalErr.Error(), Err: archivalErr, Duration: time.Since(started)}
	}

	pdf, err := p.renderer.Render(ctx, ReportURL(p.reportBaseURL, record.PrettyID))
	if err != nil {
		return fail(StageRender, err)
	}

	if len(pdf) == 0 {
		return fail(StageHash, errors.New("rendered report is empty"))
	}
	hash := ContentHash(pdf)

	reportURL, err := p.artifacts.Save(ctx, report.ObjectName(record.PrettyID), pdf, "application/pdf")
	if err != nil {
		return fail(StageStore, err)
	}

	receipt, err := p.anchor.Anchor(ctx, ledger.Payload{
		PlateNumber: record.Content.PlateNumber,
		ContentHash: hash,
		PrettyID:    record.PrettyID,
	})
	if err != nil {
		return fail(StageAnchor, err)
	}

	result := Result{
		Success: true,
		Archival: store.Archival{
			ReportURL:   reportURL,
			ReportHash:  hash,
			AnchorTxRef: receipt.TxRef,
			AssetRef:    receipt.AssetRef,
		},
		Duration: time.Since(started),
	}
	log.Info("Archival pipeline completed", "report_hash", hash, "tx_ref", receipt.TxRef, "duration", result.Duration.String())
	return result
}

// Verify reloads the stored report and checks it against the recorded hash.
func (p *Pipeline) Verify(ctx context.Context, archival store.Archival) error {
	if archival.ReportURL == "" || archival.ReportHash == "" {
		return &Error{Stage: StageVerify, Err: errors.New("record has no archived report")}
	}
	data, err := p.artifacts.Load(ctx, archival.ReportURL)
	if err != nil {
		return &Error{Stage: StageVerify, Err: err}
	}
	if got := ContentHash(data); got != archival.ReportHash {
		return &Error{Stage: StageVerify, Err: fmt.Errorf("%w: stored %s, recorded %s", ErrHashMismatch, got, archival.ReportHash)}
	}
	return nil
}
