package changelog

import (
	"errors"
	"testing"
)

func TestValidateUpdate(t *testing.T) {
	tests := []struct {
		name    string
		update  map[string]any
		wantErr bool
		path    string
	}{
		{name: "empty", update: map[string]any{}, wantErr: true},
		{name: "section object", update: map[string]any{"vehicleData": map[string]any{"tipeKendaraan": "Veloz"}}},
		{name: "scalar", update: map[string]any{"overallRating": "VERY GOOD"}},
		{name: "date", update: map[string]any{"inspectionDate": "2025-03-14"}},
		{name: "bad date", update: map[string]any{"inspectionDate": "14/03/2025"}, wantErr: true, path: "inspectionDate"},
		{name: "blank plate", update: map[string]any{"plateNumber": "  "}, wantErr: true, path: "plateNumber"},
		{name: "section not object", update: map[string]any{"vehicleData": "Veloz"}, wantErr: true, path: "vehicleData"},
		{name: "unknown key", update: map[string]any{"status": "APPROVED"}, wantErr: true, path: "status"},
		{name: "numeric rating", update: map[string]any{"overallRating": 5}, wantErr: true, path: "overallRating"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUpdate(tt.update)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateUpdate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.path == "" {
				return
			}
			var fieldErr *FieldError
			if !errors.As(err, &fieldErr) {
				t.Fatalf("expected FieldError, got %T", err)
			}
			if len(fieldErr.Path) != 1 || fieldErr.Path[0] != tt.path {
				t.Fatalf("expected path %s, got %v", tt.path, fieldErr.Path)
			}
		})
	}
}
