package chatlog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// KST is the fixed offset zone chat log files are written in.
var KST = time.FixedZone("KST", 9*60*60)

var (
	filenameRe = regexp.MustCompile(`chatLog-(\d+)\.log`)
	// [2025-10-24 18:03:15] nickname: message (user_id)
	lineRe = regexp.MustCompile(`\[(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})\] ([^:]+): (.+) \(([^)]+)\)`)
)

// ChatMessage is a single parsed chat line.
type ChatMessage struct {
	Time     time.Time
	Nickname string
	Message  string
	UserID   string
}

// ChatLog holds every message captured for one recording.
type ChatLog struct {
	VideoID  uint64
	Messages []ChatMessage
}

// VideoIDFromFilename extracts the numeric video id from a
// chatLog-<id>.log file name.
func VideoIDFromFilename(name string) (uint64, bool) {
	m := filenameRe.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ParseLine parses one chat log line. It returns false for lines that do
// not match the log format; callers skip those rather than fail the file.
func ParseLine(line string) (ChatMessage, bool) {
	m := lineRe.FindStringSubmatch(line)
	if m == nil {
		return ChatMessage{}, false
	}
	ts, err := time.ParseInLocation("2006-01-02 15:04:05", m[1], KST)
	if err != nil {
		return ChatMessage{}, false
	}
	return ChatMessage{
		Time:     ts,
		Nickname: strings.TrimSpace(m[2]),
		Message:  strings.TrimSpace(m[3]),
		UserID:   m[4],
	}, true
}

// LoadFile reads and parses a single chat log file. The video id comes
// from the file name. Blank and malformed lines are skipped.
func LoadFile(path string) (*ChatLog, error) {
	id, ok := VideoIDFromFilename(filepath.Base(path))
	if !ok {
		return nil, fmt.Errorf("no video id in filename %q", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chat log %s: %w", path, err)
	}
	log := &ChatLog{VideoID: id}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if msg, ok := ParseLine(line); ok {
			log.Messages = append(log.Messages, msg)
		}
	}
	return log, nil
}
