package chatlog

import (
	"sort"
	"time"
)

// Stats summarizes a single chat log.
type Stats struct {
	TotalMessages       int            `json:"total_messages"`
	UniqueUsers         int            `json:"unique_users"`
	UniqueNicknames     int            `json:"unique_nicknames"`
	MessagesPerUser     map[string]int `json:"messages_per_user,omitempty"`
	MessagesPerNickname map[string]int `json:"messages_per_nickname,omitempty"`
	FirstMessage        time.Time      `json:"first_message"`
	LastMessage         time.Time      `json:"last_message"`
	DurationSeconds     int64          `json:"duration_seconds"`
}

// Analyze computes summary statistics for one log.
func Analyze(log *ChatLog) Stats {
	s := Stats{
		TotalMessages:       len(log.Messages),
		MessagesPerUser:     make(map[string]int),
		MessagesPerNickname: make(map[string]int),
	}
	for _, m := range log.Messages {
		s.MessagesPerUser[m.UserID]++
		s.MessagesPerNickname[m.Nickname]++
	}
	s.UniqueUsers = len(s.MessagesPerUser)
	s.UniqueNicknames = len(s.MessagesPerNickname)

	if len(log.Messages) > 0 {
		times := make([]time.Time, len(log.Messages))
		for i, m := range log.Messages {
			times[i] = m.Time
		}
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
		s.FirstMessage = times[0]
		s.LastMessage = times[len(times)-1]
		s.DurationSeconds = int64(s.LastMessage.Sub(s.FirstMessage) / time.Second)
	}
	return s
}

// TopChatters returns up to n (user id, message count) pairs in
// descending count order. Count ties keep the lexically smaller id first
// so output is stable.
func (s Stats) TopChatters(n int) []UserCount {
	out := make([]UserCount, 0, len(s.MessagesPerUser))
	for id, c := range s.MessagesPerUser {
		out = append(out, UserCount{UserID: id, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].UserID < out[j].UserID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// UserCount is a user id with its message count.
type UserCount struct {
	UserID string `json:"user_id"`
	Count  int    `json:"count"`
}

// UniqueUserCount returns the distinct user id count without computing
// full stats.
func UniqueUserCount(log *ChatLog) int {
	users := make(map[string]struct{})
	for _, m := range log.Messages {
		users[m.UserID] = struct{}{}
	}
	return len(users)
}

// FilterByUserCount keeps logs whose distinct user count is strictly
// below max. Rebroadcasts and raided chats with huge audiences distort
// audience-overlap analysis, so callers cap the audience size first.
func FilterByUserCount(logs []*ChatLog, max int) []*ChatLog {
	filtered := make([]*ChatLog, 0, len(logs))
	for _, l := range logs {
		if UniqueUserCount(l) < max {
			filtered = append(filtered, l)
		}
	}
	return filtered
}
