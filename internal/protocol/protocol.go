// Package protocol defines the newline-framed JSON messages exchanged over
// the control socket. One request per connection, one response, then close.
package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	CmdPing       = "ping"
	CmdSend       = "send"
	CmdGroups     = "groups"
	CmdNewSession = "new_session"
	CmdTaskAdd    = "task_add"
	CmdTaskList   = "task_list"
	CmdTaskRm     = "task_rm"
)

const (
	StatusOK      = "ok"
	StatusSuccess = "success"
	StatusError   = "error"
)

// MaxRequestBytes bounds a single request line. Prompts are the only large
// field and 1 MiB is far beyond any sane prompt.
const MaxRequestBytes = 1 << 20

type Request struct {
	Cmd    string `json:"cmd"`
	Group  string `json:"group,omitempty"`
	Prompt string `json:"prompt,omitempty"`
	Cron   string `json:"cron,omitempty"`
	TaskID string `json:"task_id,omitempty"`
}

type Group struct {
	Name      string `json:"name"`
	Folder    string `json:"folder"`
	SessionID string `json:"session_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

type Task struct {
	ID         string `json:"id"`
	GroupName  string `json:"group_name"`
	Cron       string `json:"cron"`
	Prompt     string `json:"prompt"`
	NextRun    string `json:"next_run,omitempty"`
	LastRun    string `json:"last_run,omitempty"`
	LastResult string `json:"last_result,omitempty"`
	Status     string `json:"status"`
}

type Response struct {
	Status    string  `json:"status"`
	Message   string  `json:"message,omitempty"`
	Error     string  `json:"error,omitempty"`
	Result    string  `json:"result,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	TaskID    string  `json:"task_id,omitempty"`
	NextRun   string  `json:"next_run,omitempty"`
	Groups    []Group `json:"groups,omitempty"`
	Tasks     []Task  `json:"tasks,omitempty"`
}

func OK(message string) Response {
	return Response{Status: StatusOK, Message: message}
}

func Errorf(format string, args ...any) Response {
	return Response{Status: StatusError, Error: fmt.Sprintf(format, args...)}
}

// ReadRequest reads one newline-terminated request. A final line without a
// trailing newline is accepted so piped clients work.
func ReadRequest(r io.Reader) (Request, error) {
	line, err := readLine(r)
	if err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

// ReadResponse reads one newline-terminated response.
func ReadResponse(r io.Reader) (Response, error) {
	line, err := readLine(r)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

func readLine(r io.Reader) ([]byte, error) {
	br := bufio.NewReaderSize(io.LimitReader(r, MaxRequestBytes), 4096)
	line, err := br.ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return nil, err
	}
	return line, nil
}

// Write marshals v and appends the newline terminator in one write.
func Write(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
