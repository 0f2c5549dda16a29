// Package flow allocates correlation ids for chat flows and defines the
// envelope every stage message travels in.
package flow

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const idPrefix = "flow_"

var idPattern = regexp.MustCompile(`^flow_\d+_[0-9a-f]{8}$`)

// Registry allocates correlation ids of the form flow_<unix-millis>_<8 hex>.
// It holds no per-flow state; ids are never reused because of the random
// suffix, and a zero Registry is ready to use.
type Registry struct {
	now func() time.Time
}

// NewRegistry returns a Registry using the wall clock.
func NewRegistry() *Registry {
	return &Registry{now: time.Now}
}

// New returns a fresh correlation id.
func (r *Registry) New() string {
	now := time.Now
	if r != nil && r.now != nil {
		now = r.now
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%d_%s", idPrefix, now().UnixMilli(), suffix)
}

// Recognize reports whether id has the shape produced by New.
func (r *Registry) Recognize(id string) bool {
	return idPattern.MatchString(id)
}

type ctxKey struct{}

// WithID returns a copy of ctx carrying the correlation id.
func WithID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// IDFromContext returns the correlation id stored by WithID, or "".
func IDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
