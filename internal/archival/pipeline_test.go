package archival

import (
	"context"
	"errors"
	"testing"

	"inspection/api/internal/ledger"
	"inspection/api/internal/store"
)

type fakeRenderer struct {
	renderFn func(ctx context.Context, url string) ([]byte, error)
	urls     []string
}

func (f *fakeRenderer) Render(ctx context.Context, url string) ([]byte, error) {
	f.urls = append(f.urls, url)
	return f.renderFn(ctx, url)
}

type fakeArtifacts struct {
	saveFn  func(ctx context.Context, name string, data []byte, contentType string) (string, error)
	objects map[string][]byte
}

func newFakeArtifacts() *fakeArtifacts {
	f := &fakeArtifacts{objects: map[string][]byte{}}
	f.saveFn = func(_ context.Context, name string, data []byte, _ string) (string, error) {
		ref := "https://cdn.test/" + name
		f.objects[ref] = append([]byte(nil), data...)
		return ref, nil
	}
	return f
}

func (f *fakeArtifacts) Save(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	return f.saveFn(ctx, name, data, contentType)
}

func (f *fakeArtifacts) Load(_ context.Context, reference string) ([]byte, error) {
	data, ok := f.objects[reference]
	if !ok {
		return nil, errors.New("missing")
	}
	return data, nil
}

type fakeAnchor struct {
	anchorFn func(ctx context.Context, payload ledger.Payload) (ledger.Receipt, error)
	payloads []ledger.Payload
}

func (f *fakeAnchor) Anchor(ctx context.Context, payload ledger.Payload) (ledger.Receipt, error) {
	f.payloads = append(f.payloads, payload)
	return f.anchorFn(ctx, payload)
}

func okRenderer() *fakeRenderer {
	return &fakeRenderer{renderFn: func(context.Context, string) ([]byte, error) { return []byte("%PDF-1.4 report"), nil }}
}

func okAnchor() *fakeAnchor {
	return &fakeAnchor{anchorFn: func(context.Context, ledger.Payload) (ledger.Receipt, error) {
		return ledger.Receipt{TxRef: "tx-1", AssetRef: "asset-1"}, nil
	}}
}

func testRecord() store.InspectionRecord {
	return store.InspectionRecord{
		ID:       "insp_1",
		PrettyID: "JKT-14032025-001",
		Content:  store.Content{PlateNumber: "B 1234 XYZ"},
	}
}

func TestRunSuccess(t *testing.T) {
	renderer := okRenderer()
	artifacts := newFakeArtifacts()
	anchor := okAnchor()
	pipeline := NewPipeline(renderer, artifacts, anchor, "http://api.test/reports/", nil)

	result := pipeline.Run(context.Background(), testRecord())
	if !result.Success || result.Err != nil {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(renderer.urls) != 1 || renderer.urls[0] != "http://api.test/reports/JKT-14032025-001" {
		t.Fatalf("unexpected render urls %v", renderer.urls)
	}
	wantHash := ContentHash([]byte("%PDF-1.4 report"))
	if result.Archival.ReportHash != wantHash || len(wantHash) != 64 {
		t.Fatalf("unexpected hash %q", result.Archival.ReportHash)
	}
	if result.Archival.ReportURL != "https://cdn.test/reports/JKT-14032025-001.pdf" {
		t.Fatalf("unexpected report url %q", result.Archival.ReportURL)
	}
	if result.Archival.AnchorTxRef != "tx-1" || result.Archival.AssetRef != "asset-1" {
		t.Fatalf("unexpected anchor outputs %+v", result.Archival)
	}
	if len(anchor.payloads) != 1 || anchor.payloads[0].PlateNumber != "B 1234 XYZ" || anchor.payloads[0].ContentHash != wantHash {
		t.Fatalf("unexpected anchor payload %+v", anchor.payloads)
	}
}

func TestRunStopsAtFailedStage(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name       string
		setup      func(*fakeRenderer, *fakeArtifacts, *fakeAnchor)
		wantStage  Stage
		wantAnchor int
	}{
		{
			name: "render",
			setup: func(r *fakeRenderer, _ *fakeArtifacts, _ *fakeAnchor) {
				r.renderFn = func(context.Context, string) ([]byte, error) { return nil, boom }
			},
			wantStage: StageRender,
		},
		{
			name: "empty render",
			setup: func(r *fakeRenderer, _ *fakeArtifacts, _ *fakeAnchor) {
				r.renderFn = func(context.Context, string) ([]byte, error) { return nil, nil }
			},
			wantStage: StageHash,
		},
		{
			name: "store",
			setup: func(_ *fakeRenderer, a *fakeArtifacts, _ *fakeAnchor) {
				a.saveFn = func(context.Context, string, []byte, string) (string, error) { return "", boom }
			},
			wantStage: StageStore,
		},
		{
			name: "anchor",
			setup: func(_ *fakeRenderer, _ *fakeArtifacts, l *fakeAnchor) {
				l.anchorFn = func(context.Context, ledger.Payload) (ledger.Receipt, error) { return ledger.Receipt{}, boom }
			},
			wantStage:  StageAnchor,
			wantAnchor: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			renderer, artifacts, anchor := okRenderer(), newFakeArtifacts(), okAnchor()
			tt.setup(renderer, artifacts, anchor)
			result := NewPipeline(renderer, artifacts, anchor, "http://api.test/reports", nil).Run(context.Background(), testRecord())

			if result.Success {
				t.Fatal("expected failure")
			}
			if result.Err == nil || result.Err.Stage != tt.wantStage {
				t.Fatalf("expected stage %s, got %+v", tt.wantStage, result.Err)
			}
			if result.Reason == "" {
				t.Fatal("expected a reason")
			}
			if len(anchor.payloads) != tt.wantAnchor {
				t.Fatalf("expected %d anchor calls, got %d", tt.wantAnchor, len(anchor.payloads))
			}
			if len(renderer.urls) != 1 {
				t.Fatalf("render must run exactly once, got %d", len(renderer.urls))
			}
			if result.Archival != (store.Archival{}) {
				t.Fatalf("failed run must not report outputs: %+v", result.Archival)
			}
		})
	}
}

func TestRunHonoursCancelledContext(t *testing.T) {
	renderer := &fakeRenderer{renderFn: func(ctx context.Context, _ string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := NewPipeline(renderer, newFakeArtifacts(), okAnchor(), "http://api.test/reports", nil).Run(ctx, testRecord())
	if result.Success || !errors.Is(result.Err, context.Canceled) {
		t.Fatalf("expected cancelled render, got %+v", result)
	}
}

func TestVerify(t *testing.T) {
	artifacts := newFakeArtifacts()
	pipeline := NewPipeline(okRenderer(), artifacts, okAnchor(), "http://api.test/reports", nil)
	result := pipeline.Run(context.Background(), testRecord())
	if !result.Success {
		t.Fatalf("run: %+v", result)
	}

	if err := pipeline.Verify(context.Background(), result.Archival); err != nil {
		t.Fatalf("verify: %v", err)
	}

	artifacts.objects[result.Archival.ReportURL] = []byte("tampered")
	err := pipeline.Verify(context.Background(), result.Archival)
	var archivalErr *Error
	if !errors.As(err, &archivalErr) || archivalErr.Stage != StageVerify || !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected verify hash mismatch, got %v", err)
	}

	if err := pipeline.Verify(context.Background(), store.Archival{}); err == nil {
		t.Fatal("expected error for record without report")
	}
}

func TestReportURLEscapesPrettyID(t *testing.T) {
	if got := ReportURL("http://api.test/reports/", "A B/1"); got != "http://api.test/reports/A%20B%2F1" {
		t.Fatalf("unexpected url %q", got)
	}
}
