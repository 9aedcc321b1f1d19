// Package gdrive は Google Drive API v3 を backend.DriveClient 契約に合わせてラップします。
package gdrive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/yourusername/yousei-note/internal/backend"
)

const (
	folderMimeType = "application/vnd.google-apps.folder"
	fileMimeType   = "application/json"
)

// Client は drive.Service の薄いラッパーです。
type Client struct {
	svc *drive.Service
}

// NewClient は指定のトークンソースで Drive クライアントを作成します。
func NewClient(ctx context.Context, ts oauth2.TokenSource) (*Client, error) {
	svc, err := drive.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// EnsureFolder は name のフォルダを探し、なければ作成してIDを返します。
// 同名フォルダが複数あっても最初の一致を正とします。
func (c *Client) EnsureFolder(ctx context.Context, name string) (string, error) {
	query := fmt.Sprintf("name = '%s' and mimeType = '%s' and trashed = false",
		escapeQuery(name), folderMimeType)
	list, err := c.svc.Files.List().
		Q(query).
		Fields("files(id, name)").
		PageSize(10).
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("folder search failed: %w", err)
	}
	if len(list.Files) > 0 {
		return list.Files[0].Id, nil
	}

	folder, err := c.svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: folderMimeType,
	}).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("folder creation failed: %w", err)
	}
	return folder.Id, nil
}

// FindFile はフォルダ内の name のファイルIDを返します。見つからなければ空文字です。
func (c *Client) FindFile(ctx context.Context, folderID, name string) (string, error) {
	query := fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false",
		escapeQuery(name), escapeQuery(folderID))
	list, err := c.svc.Files.List().
		Q(query).
		Fields("files(id, name)").
		PageSize(1).
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("file search failed: %w", err)
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].Id, nil
}

// CreateFile はフォルダ内に新しいJSONファイルを作成します。
func (c *Client) CreateFile(ctx context.Context, folderID, name string, data []byte) error {
	_, err := c.svc.Files.Create(&drive.File{
		Name:     name,
		Parents:  []string{folderID},
		MimeType: fileMimeType,
	}).Media(bytes.NewReader(data)).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("file creation failed: %w", err)
	}
	return nil
}

// UpdateFile は既存ファイルの内容を置き換えます。
func (c *Client) UpdateFile(ctx context.Context, fileID string, data []byte) error {
	_, err := c.svc.Files.Update(fileID, &drive.File{}).
		Media(bytes.NewReader(data)).
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("file update failed: %w", err)
	}
	return nil
}

// ReadFile はファイルの内容を読み出します。
func (c *Client) ReadFile(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := c.svc.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("file download failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("file read failed: %w", err)
	}
	return data, nil
}

// DeleteFile はファイルを削除します。
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	if err := c.svc.Files.Delete(fileID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("file deletion failed: %w", err)
	}
	return nil
}

// ListFiles はフォルダ直下の全ファイルを返します。
func (c *Client) ListFiles(ctx context.Context, folderID string) ([]backend.DriveFile, error) {
	query := fmt.Sprintf("'%s' in parents and mimeType != '%s' and trashed = false",
		escapeQuery(folderID), folderMimeType)

	files := []backend.DriveFile{}
	pageToken := ""
	for {
		call := c.svc.Files.List().
			Q(query).
			Fields("nextPageToken, files(id, name)").
			PageSize(100).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("file listing failed: %w", err)
		}
		for _, f := range list.Files {
			files = append(files, backend.DriveFile{ID: f.Id, Name: f.Name})
		}
		if list.NextPageToken == "" {
			return files, nil
		}
		pageToken = list.NextPageToken
	}
}

// escapeQuery はDrive検索クエリの文字列リテラル用エスケープを行います。
func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
