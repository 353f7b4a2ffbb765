package cache

import "fmt"

// 键语义：
// - roomKey(room):    房间在线会话（ZSet<sessionId, expireAtUnix>，score=expireAt）
// - namesKey(room):   sessionId → 成员 JSON（Hash）
// - roomsKey():       有在线成员的房间索引（Set<room>）
// - relayChannel(room): 跨节点转发的 pub/sub 频道
//
// {room} 作为 hash tag，保证同一房间的 ZSet 和 Hash 落在同一个 slot，Lua 脚本可以同时操作

const (
	keyRoomFmt      = "presence:room:{%s}"       // ZSet<sessionId, expireAtUnix>
	keyNamesFmt     = "presence:room:names:{%s}" // Hash<sessionId -> member json>
	keyRoomsSet     = "presence:rooms"           // Set<room>
	relayChannelFmt = "collab:relay:{%s}"
)

func roomKey(room string) string      { return fmt.Sprintf(keyRoomFmt, room) }
func namesKey(room string) string     { return fmt.Sprintf(keyNamesFmt, room) }
func roomsKey() string                { return keyRoomsSet }
func relayChannel(room string) string { return fmt.Sprintf(relayChannelFmt, room) }
