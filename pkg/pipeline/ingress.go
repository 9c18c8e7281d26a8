package pipeline

import (
	"context"

	"github.com/coralhq/coral/pkg/log"
	"github.com/coralhq/coral/pkg/registry"
	"github.com/coralhq/coral/pkg/types"
)

// Formats a feed can be read in.
const (
	FormatInternal        = "internal"
	FormatActivityStreams = "activitystreams"
)

// Feed page size bounds.
const (
	DefaultPageSize = 10
	MaxPageSize     = 25
)

// Page is one read of a feed, newest first. Next is the opaque token for
// the following page, empty when the feed is exhausted.
type Page struct {
	Items []types.Activity `json:"items"`
	Next  string           `json:"nextToken,omitempty"`
}

// NotificationPage adds the unread state to a notification feed read.
type NotificationPage struct {
	Page
	Unread   int64 `json:"unread"`
	LastRead int64 `json:"lastRead,omitempty"`
}

// PostActivity validates a seed and hands it to the routing workers.
// Malformed seeds and unknown activity types fail synchronously.
func (p *Pipeline) PostActivity(ctx context.Context, seed *types.ActivitySeed) error {
	return p.router.Submit(ctx, seed)
}

// GetActivityStream reads a principal's activity feed. The variant read
// depends on who asks: owners and admins see the base feed, authenticated
// strangers the loggedin variant, everyone else the public one.
func (p *Pipeline) GetActivityStream(ctx context.Context, principal types.Principal, resourceID, start string, limit int, format string) (*Page, error) {
	streamType := visibleStream(principal, resourceID)
	return p.readFeed(ctx, types.FeedID(resourceID, streamType), start, limit, format)
}

// GetNotificationStream reads the caller's notification feed along with the
// unread counter and last-read marker.
func (p *Pipeline) GetNotificationStream(ctx context.Context, principal types.Principal, start string, limit int) (*NotificationPage, error) {
	if principal.Anonymous() {
		return nil, types.NewError(types.CodeUnauthorized, "notifications require an authenticated user")
	}
	page, err := p.readFeed(ctx, types.FeedID(principal.ID, types.StreamNotification), start, limit, FormatInternal)
	if err != nil {
		return nil, err
	}
	unread, err := p.notifications.Unread(ctx, principal.ID)
	if err != nil {
		return nil, err
	}
	lastRead, err := p.counters.LastRead(ctx, principal.ID)
	if err != nil {
		return nil, err
	}
	return &NotificationPage{Page: *page, Unread: unread, LastRead: lastRead}, nil
}

// MarkNotificationsRead zeroes the caller's unread counter and returns the
// recorded read time.
func (p *Pipeline) MarkNotificationsRead(ctx context.Context, principal types.Principal) (int64, error) {
	if principal.Anonymous() {
		return 0, types.NewError(types.CodeUnauthorized, "notifications require an authenticated user")
	}
	return p.notifications.MarkRead(ctx, principal.ID)
}

// RemoveActivityStream deletes every persisted stream of a principal,
// including the visibility variants, and resets their aggregation state.
// Admin only; used when a principal is deleted.
func (p *Pipeline) RemoveActivityStream(ctx context.Context, principal types.Principal, resourceID string) error {
	if !principal.Admin {
		return types.NewError(types.CodeUnauthorized, "removing streams is an administrative operation")
	}

	var feedIDs []string
	for _, streamType := range p.cfg.Registry.StreamTypes() {
		opts, ok := p.cfg.Registry.StreamType(streamType)
		if !ok || opts.Transient {
			continue
		}
		feedIDs = append(feedIDs, types.FeedID(resourceID, streamType))
		if opts.VisibilityBucketing {
			feedIDs = append(feedIDs,
				types.FeedID(resourceID, streamType+"#"+string(types.VisibilityPublic)),
				types.FeedID(resourceID, streamType+"#"+string(types.VisibilityLoggedIn)))
		}
	}

	if err := p.aggregates.ResetFeeds(ctx, feedIDs); err != nil {
		return err
	}
	for _, feedID := range feedIDs {
		if err := p.feeds.Clear(ctx, feedID); err != nil {
			return err
		}
	}
	if types.IsUserID(resourceID) {
		if err := p.counters.Set(ctx, resourceID, 0); err != nil {
			return err
		}
	}
	log.WithComponent("pipeline").Info().
		Str("resourceId", resourceID).
		Int("feeds", len(feedIDs)).
		Msg("removed activity streams")
	return nil
}

// readFeed pages a feed and renders it in the requested format. Activities
// failing their transform are dropped from the page rather than failing the
// read.
func (p *Pipeline) readFeed(ctx context.Context, feedID, start string, limit int, format string) (*Page, error) {
	switch format {
	case FormatInternal, FormatActivityStreams:
	case "":
		format = FormatInternal
	default:
		return nil, types.NewError(types.CodeInvalidInput, "unknown format "+format)
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	items, next, err := p.feeds.Page(ctx, feedID, start, limit)
	if err != nil {
		return nil, err
	}
	if format == FormatInternal {
		return &Page{Items: items, Next: next}, nil
	}

	rendered := make([]types.Activity, 0, len(items))
	for _, activity := range items {
		transformed, err := registry.TransformActivity(ctx, p.cfg.Registry, format, activity)
		if err != nil {
			log.WithComponent("pipeline").Warn().Err(err).
				Str("feedId", feedID).
				Str("activityId", activity.ActivityID).
				Msg("dropping activity that failed its transform")
			continue
		}
		rendered = append(rendered, transformed)
	}
	return &Page{Items: rendered, Next: next}, nil
}

// visibleStream picks the activity feed variant a principal may read.
func visibleStream(principal types.Principal, resourceID string) string {
	switch {
	case principal.Admin || principal.ID == resourceID:
		return types.StreamActivity
	case principal.Anonymous():
		return types.StreamActivity + "#" + string(types.VisibilityPublic)
	default:
		return types.StreamActivity + "#" + string(types.VisibilityLoggedIn)
	}
}
