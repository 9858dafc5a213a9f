package cache

import "fmt"

// Key layout:
//   rosterKey(topic)   ZSet<userId, expireAtUnixMilli>
//   entriesKey(topic)  Hash<userId -> presence.Entry JSON>
//   topicsKey()        Set<topic> of every topic that ever had a member
//
// The {topic:...} hash tag keeps a topic's keys in one cluster slot so the
// sweep script can touch both.

const (
	keyRosterFmt  = "presence:roster:{topic:%s}"
	keyEntriesFmt = "presence:roster:entries:{topic:%s}"
	keyTopicsSet  = "presence:topics"
)

func rosterKey(topic string) string  { return fmt.Sprintf(keyRosterFmt, topic) }
func entriesKey(topic string) string { return fmt.Sprintf(keyEntriesFmt, topic) }
func topicsKey() string              { return keyTopicsSet }
