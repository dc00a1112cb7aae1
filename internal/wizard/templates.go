package wizard

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/example/kyc-flow/internal/kycapi"
)

// CachedTemplates memoizes flow templates per user and collapses concurrent
// fetches for the same user into one remote call. Errors are not cached.
type CachedTemplates struct {
	source TemplateSource
	cache  *gocache.Cache
	group  singleflight.Group
}

// NewCachedTemplates wraps source with a ttl-bounded cache.
func NewCachedTemplates(source TemplateSource, ttl time.Duration) *CachedTemplates {
	return &CachedTemplates{
		source: source,
		cache:  gocache.New(ttl, 2*ttl),
	}
}

// FetchFlowTemplate returns the cached template or fetches it.
func (c *CachedTemplates) FetchFlowTemplate(ctx context.Context, userID string) (*kycapi.FlowTemplate, error) {
	if v, ok := c.cache.Get(userID); ok {
		return cloneTemplate(v.(*kycapi.FlowTemplate)), nil
	}
	v, err, _ := c.group.Do(userID, func() (interface{}, error) {
		tmpl, err := c.source.FetchFlowTemplate(ctx, userID)
		if err != nil {
			return nil, err
		}
		c.cache.SetDefault(userID, tmpl)
		return tmpl, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneTemplate(v.(*kycapi.FlowTemplate)), nil
}

// Invalidate drops the cached template of one user.
func (c *CachedTemplates) Invalidate(userID string) {
	c.cache.Delete(userID)
}

func cloneTemplate(t *kycapi.FlowTemplate) *kycapi.FlowTemplate {
	if t == nil {
		return &kycapi.FlowTemplate{}
	}
	return &kycapi.FlowTemplate{UserID: t.UserID, Flow: append([]string(nil), t.Flow...)}
}
