package gateway

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/mysofinance/v2-sub001/core/types"
)

const (
	EventTypeWhitelistUpdated = "gateway.whitelist_updated"
)

type gatewayEvent struct {
	evt *types.Event
}

func (e gatewayEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e gatewayEvent) Event() *types.Event { return e.evt }

// NewWhitelistUpdatedEvent emits the updated addresses and their shared
// whitelist expiry.
func NewWhitelistUpdatedEvent(authority [20]byte, addrs [][20]byte, whitelistedUntil int64) gatewayEvent {
	encoded := make([]string, len(addrs))
	for i, addr := range addrs {
		encoded[i] = hex.EncodeToString(addr[:])
	}
	return gatewayEvent{evt: &types.Event{
		Type: EventTypeWhitelistUpdated,
		Attributes: map[string]string{
			"authority":        hex.EncodeToString(authority[:]),
			"addrs":            strings.Join(encoded, ","),
			"whitelistedUntil": strconv.FormatInt(whitelistedUntil, 10),
		},
	}}
}
