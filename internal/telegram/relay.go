package telegram

import (
	"context"
	"encoding/binary"
	"hash/fnv"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/hpungsan/courier/internal/platform"
)

// Relay forwards msg to target. The random id is derived from the message and
// target, so a resend of the same relay is rejected by the platform as a
// duplicate and counts as delivered.
func (c *Client) Relay(ctx context.Context, msg platform.IncomingMessage, target platform.PeerRef) error {
	conn, err := c.wait(ctx, "relay")
	if err != nil {
		return err
	}
	_, err = conn.API().MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer: inputPeer(msg.Source),
		ToPeer:   inputPeer(target),
		ID:       []int{msg.ID},
		RandomID: []int64{RandomID(msg.Source.ID, msg.ID, target.ID)},
	})
	if tgerr.Is(err, "RANDOM_ID_DUPLICATE") {
		c.log.Debug("relay already delivered", "source", msg.Source.ID, "message_id", msg.ID, "target", target.ID)
		return nil
	}
	return classify("relay", err)
}

// RandomID is the platform dedup key for relaying message messageID of
// source to target. It is never zero.
func RandomID(source int64, messageID int, target int64) int64 {
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(source))
	binary.BigEndian.PutUint64(buf[8:16], uint64(int64(messageID)))
	binary.BigEndian.PutUint64(buf[16:24], uint64(target))
	h := fnv.New64a()
	_, _ = h.Write(buf[:])
	id := int64(h.Sum64())
	if id == 0 {
		id = 1
	}
	return id
}
