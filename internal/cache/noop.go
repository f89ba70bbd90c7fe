package cache

import (
	"context"

	"github.com/scriptorium-app/scriptorium/backend/internal/rooms"
)

// Noop satisfies the room cache contract without storing anything. Used when
// no redis address is configured.
type Noop struct{}

// NewNoop returns a cache that never hits.
func NewNoop() Noop {
	return Noop{}
}

func (Noop) GetView(context.Context, string, string) (rooms.RoomView, bool) {
	return rooms.RoomView{}, false
}

func (Noop) SetView(context.Context, string, string, rooms.RoomView) {}

func (Noop) GetList(context.Context, string) (rooms.RoomList, bool) {
	return rooms.RoomList{}, false
}

func (Noop) SetList(context.Context, string, rooms.RoomList) {}

func (Noop) InvalidateRoom(context.Context, string) {}

func (Noop) InvalidateLists(context.Context, ...string) {}

var _ rooms.Cache = Noop{}
