// Package artifact persists rendered reports and resolves them by public
// reference.
package artifact

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Load when the reference points at no object.
var ErrNotFound = errors.New("artifact not found")

// references maps object names to public references and back. A reference is
// baseURL + "/" + object.
type references struct {
	baseURL string
}

func newReferences(baseURL string) references {
	return references{baseURL: strings.TrimRight(baseURL, "/")}
}

func (r references) reference(object string) string {
	return r.baseURL + "/" + strings.TrimLeft(object, "/")
}

func (r references) object(reference string) (string, error) {
	prefix := r.baseURL + "/"
	if !strings.HasPrefix(reference, prefix) {
		return "", fmt.Errorf("reference %q is not served by %s", reference, r.baseURL)
	}
	object := strings.TrimPrefix(reference, prefix)
	if object == "" || strings.Contains(object, "..") {
		return "", fmt.Errorf("invalid artifact reference %q", reference)
	}
	return object, nil
}
