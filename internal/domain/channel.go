package domain

import "errors"

var ErrChannelIDEmpty = errors.New("channel id empty")

type (
	// ChannelID names a voice channel; one media room exists per channel.
	ChannelID string
	GuildID   string

	// SocketID identifies a single signaling connection.
	SocketID string
	// NodeID identifies one gateway process in a scaled deployment.
	NodeID string
)

func (id ChannelID) Validate() error {
	if len(id) == 0 {
		return ErrChannelIDEmpty
	}
	return nil
}
