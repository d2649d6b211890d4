package store

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/SpamExperts/bitten/internal/model"
)

// Log files hold one message per line as "level<TAB>message". Messages are
// single lines by construction (slaves split captured output line-wise).

func writeLogFile(path string, messages []model.LogMessage) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, m := range messages {
		level := m.Level
		if level == "" {
			level = model.LevelUnknown
		}
		if _, err := fmt.Fprintf(w, "%s\t%s\n", level, m.Message); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func readLogFile(path string) ([]model.LogMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var messages []model.LogMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		level, msg, found := strings.Cut(line, "\t")
		if !found {
			messages = append(messages, model.LogMessage{Level: model.LevelUnknown, Message: line})
			continue
		}
		messages = append(messages, model.LogMessage{Level: level, Message: msg})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}
