package chatlog

import (
	"testing"
	"time"
)

func makeLog(id uint64, msgs ...ChatMessage) *ChatLog {
	return &ChatLog{VideoID: id, Messages: msgs}
}

func msgAt(sec int, user string) ChatMessage {
	base := time.Date(2025, 10, 24, 18, 0, 0, 0, KST)
	return ChatMessage{Time: base.Add(time.Duration(sec) * time.Second), Nickname: user, Message: "m", UserID: user}
}

func TestAnalyze(t *testing.T) {
	log := makeLog(1,
		msgAt(0, "a"),
		msgAt(5, "b"),
		msgAt(5, "a"),
		msgAt(90, "c"),
	)
	s := Analyze(log)
	if s.TotalMessages != 4 {
		t.Errorf("total = %d, want 4", s.TotalMessages)
	}
	if s.UniqueUsers != 3 {
		t.Errorf("unique users = %d, want 3", s.UniqueUsers)
	}
	if s.UniqueNicknames != 3 {
		t.Errorf("unique nicknames = %d, want 3", s.UniqueNicknames)
	}
	if s.MessagesPerUser["a"] != 2 {
		t.Errorf("messages for a = %d, want 2", s.MessagesPerUser["a"])
	}
	if s.DurationSeconds != 90 {
		t.Errorf("duration = %d, want 90", s.DurationSeconds)
	}
	if span := s.LastMessage.Sub(s.FirstMessage); span != 90*time.Second {
		t.Errorf("first/last span = %v, want 90s", span)
	}
}

func TestAnalyzeEmpty(t *testing.T) {
	s := Analyze(makeLog(1))
	if s.TotalMessages != 0 || s.UniqueUsers != 0 || s.DurationSeconds != 0 {
		t.Errorf("empty log stats = %+v", s)
	}
	if !s.FirstMessage.IsZero() {
		t.Errorf("first message time should be zero, got %v", s.FirstMessage)
	}
}

func TestTopChatters(t *testing.T) {
	log := makeLog(1,
		msgAt(0, "a"), msgAt(1, "a"), msgAt(2, "a"),
		msgAt(3, "b"),
		msgAt(4, "c"), msgAt(5, "c"),
	)
	top := Analyze(log).TopChatters(2)
	if len(top) != 2 {
		t.Fatalf("got %d entries, want 2", len(top))
	}
	if top[0].UserID != "a" || top[0].Count != 3 {
		t.Errorf("top[0] = %+v", top[0])
	}
	if top[1].UserID != "c" || top[1].Count != 2 {
		t.Errorf("top[1] = %+v", top[1])
	}
}

func TestFilterByUserCount(t *testing.T) {
	small := makeLog(1, msgAt(0, "a"), msgAt(1, "b"))
	atLimit := makeLog(2, msgAt(0, "a"), msgAt(1, "b"), msgAt(2, "c"))
	big := makeLog(3, msgAt(0, "a"), msgAt(1, "b"), msgAt(2, "c"), msgAt(3, "d"))

	got := FilterByUserCount([]*ChatLog{small, atLimit, big}, 3)
	if len(got) != 1 || got[0].VideoID != 1 {
		t.Fatalf("FilterByUserCount kept %d logs, want only the 2-user log", len(got))
	}
}
