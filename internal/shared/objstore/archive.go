package objstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"angel-master/internal/shared/model"
)

// LogArchive 任务日志归档
type LogArchive interface {
	// Put 覆盖写入一个任务的全部日志
	Put(ctx context.Context, jobGroupID, taskID string, entries []*model.LogEntry) error
	// Get 读取归档的任务日志
	Get(ctx context.Context, jobGroupID, taskID string) ([]*model.LogEntry, error)
}

// ObjectKey 归档对象路径：logs/<job_group_id>/<task_id>.ndjson
func ObjectKey(jobGroupID, taskID string) string {
	return fmt.Sprintf("logs/%s/%s.ndjson", jobGroupID, taskID)
}

// EncodeNDJSON 每行一条日志
func EncodeNDJSON(entries []*model.LogEntry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeNDJSON 解析 EncodeNDJSON 的输出，空行忽略
func DecodeNDJSON(r io.Reader) ([]*model.LogEntry, error) {
	var out []*model.LogEntry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e model.LogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("decode log line: %w", err)
		}
		out = append(out, &e)
	}
	return out, sc.Err()
}

// Archive 基于 MinIO 的 LogArchive
type Archive struct {
	client *Client
}

// NewArchive 创建归档
func NewArchive(client *Client) *Archive {
	return &Archive{client: client}
}

func (a *Archive) Put(ctx context.Context, jobGroupID, taskID string, entries []*model.LogEntry) error {
	data, err := EncodeNDJSON(entries)
	if err != nil {
		return err
	}
	return a.client.Upload(ctx, ObjectKey(jobGroupID, taskID), bytes.NewReader(data), int64(len(data)), "application/x-ndjson")
}

func (a *Archive) Get(ctx context.Context, jobGroupID, taskID string) ([]*model.LogEntry, error) {
	rc, err := a.client.Download(ctx, ObjectKey(jobGroupID, taskID))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return DecodeNDJSON(rc)
}
