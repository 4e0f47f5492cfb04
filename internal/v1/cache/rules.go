package cache

import (
	"context"
	"fmt"

	"github.com/liveroomhub/hub/internal/v1/bus"
)

// invalidationRule maps a bus event type to the tag names it invalidates,
// with roomId substituted into each tag template. Declared once at
// startup, mirroring the declarative tier-table style used elsewhere in
// this codebase for rate-limit tiers.
type invalidationRule struct {
	eventType   string
	tagTemplates []string
}

var defaultRules = []invalidationRule{
	{eventType: bus.TypeUserJoined, tagTemplates: []string{"room:%s:users", "room:%s:count"}},
	{eventType: bus.TypeUserLeft, tagTemplates: []string{"room:%s:users", "room:%s:count"}},
	{eventType: bus.TypeChatPosted, tagTemplates: []string{"room:%s:messages"}},
	{eventType: bus.TypeRoomCreated, tagTemplates: []string{"room:%s"}},
	{eventType: bus.TypeRoomDestroyed, tagTemplates: []string{"room:%s"}},
	{eventType: bus.TypeStreamEnded, tagTemplates: []string{"room:%s", "room:%s:users"}},
}

// WireInvalidation subscribes the cache to bus events and invalidates the
// declared tags for each one, satisfying I7: an invalidation event fires
// on every mutation the cache may have observed.
func (c *Cache) WireInvalidation(b *bus.Bus, rules []invalidationRule) {
	if rules == nil {
		rules = defaultRules
	}
	byType := make(map[string][]string)
	for _, r := range rules {
		byType[r.eventType] = r.tagTemplates
	}

	for eventType, templates := range byType {
		tmpls := templates
		b.On(bus.ChannelRoomEvents, func(e bus.Envelope) {
			if e.Type != eventType {
				return
			}
			for _, tmpl := range tmpls {
				c.InvalidateTag(context.Background(), fmt.Sprintf(tmpl, e.RoomID))
			}
		})
		b.On(bus.ChannelUserEvents, func(e bus.Envelope) {
			if e.Type != eventType {
				return
			}
			for _, tmpl := range tmpls {
				c.InvalidateTag(context.Background(), fmt.Sprintf(tmpl, e.RoomID))
			}
		})
		b.On(bus.ChannelChatMessages, func(e bus.Envelope) {
			if e.Type != eventType {
				return
			}
			for _, tmpl := range tmpls {
				c.InvalidateTag(context.Background(), fmt.Sprintf(tmpl, e.RoomID))
			}
		})
	}
}
