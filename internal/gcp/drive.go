package gcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/Lllllllleong/dbfsync/internal/models"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const folderMimeType = "application/vnd.google-apps.folder"

// DriveClient lists and downloads DBF files from one Drive folder with a
// read-only service account.
type DriveClient struct {
	svc *drive.Service
}

func NewDriveClient(ctx context.Context, credentialsJSON []byte) (*DriveClient, error) {
	if len(credentialsJSON) == 0 {
		return nil, fmt.Errorf("credentials must be provided to create a drive client")
	}
	svc, err := drive.NewService(ctx,
		option.WithCredentialsJSON(credentialsJSON),
		option.WithScopes(drive.DriveReadonlyScope),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Drive service: %w", err)
	}
	return &DriveClient{svc: svc}, nil
}

// ListDBFFiles returns the .dbf files directly under folderID modified after
// since. A zero since lists every file.
func (c *DriveClient) ListDBFFiles(ctx context.Context, folderID string, since time.Time) ([]models.DriveFile, error) {
	call := c.svc.Files.List().
		Q(dbfQuery(folderID, since)).
		Fields("nextPageToken, files(id, name, modifiedTime, size, md5Checksum)").
		PageSize(1000).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true)

	var files []*drive.File
	err := call.Pages(ctx, func(page *drive.FileList) error {
		files = append(files, page.Files...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files in folder %s: %w", folderID, err)
	}
	return filterDBF(files, since), nil
}

// Download reads the whole content of a Drive file.
func (c *DriveClient) Download(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := c.svc.Files.Get(fileID).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("failed to download file %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", fileID, err)
	}
	return data, nil
}

func dbfQuery(folderID string, since time.Time) string {
	id := strings.ReplaceAll(folderID, `'`, `\'`)
	q := fmt.Sprintf("'%s' in parents and mimeType != '%s' and trashed = false and name contains '.DBF'", id, folderMimeType)
	if !since.IsZero() {
		q += fmt.Sprintf(" and modifiedTime > '%s'", since.UTC().Format(time.RFC3339))
	}
	return q
}

// filterDBF keeps files with a .dbf suffix (any case) modified after since.
// Drive's "contains" match is a prefix match on words, so the query alone is
// not enough.
func filterDBF(files []*drive.File, since time.Time) []models.DriveFile {
	out := make([]models.DriveFile, 0, len(files))
	for _, f := range files {
		if f == nil || f.MimeType == folderMimeType || !strings.HasSuffix(strings.ToLower(f.Name), ".dbf") {
			continue
		}
		modified, err := time.Parse(time.RFC3339, f.ModifiedTime)
		if err != nil {
			slog.Warn("Skipping Drive file with unreadable modifiedTime.", "fileId", f.Id, "name", f.Name, "modifiedTime", f.ModifiedTime)
			continue
		}
		if !since.IsZero() && !modified.After(since) {
			continue
		}
		out = append(out, models.DriveFile{
			ID:           f.Id,
			Name:         f.Name,
			ModifiedTime: modified.UTC(),
			Size:         f.Size,
			MD5:          f.Md5Checksum,
		})
	}
	return out
}
