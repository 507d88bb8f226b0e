package auditlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// UploadMeta is the sidecar written next to each saved archive so detached
// workers can attribute incidents to the uploader.
type UploadMeta struct {
	Filename         string `json:"filename"`
	UploadedAt       string `json:"uploaded_at"`
	UploaderUsername string `json:"uploader_username"`
	UploaderID       string `json:"uploader_id"`
	IP               string `json:"ip"`
	UserAgent        string `json:"user_agent"`
}

// SidecarPath returns the metadata path for an archive name.
func SidecarPath(dir, zipName string) string {
	return filepath.Join(dir, zipName+".json")
}

// WriteSidecar stores meta for zipName.
func WriteSidecar(dir, zipName string, meta UploadMeta) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create sidecar dir: %w", err)
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	if err := os.WriteFile(SidecarPath(dir, zipName), b, 0o640); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	return nil
}

// ReadSidecar loads the metadata for zipName. A missing or unreadable sidecar
// yields "-" for user and ip.
func ReadSidecar(dir, zipName string) UploadMeta {
	meta := UploadMeta{UploaderUsername: "-", IP: "-"}
	b, err := os.ReadFile(SidecarPath(dir, zipName))
	if err != nil {
		return meta
	}
	var stored UploadMeta
	if err := json.Unmarshal(b, &stored); err != nil {
		return meta
	}
	if stored.UploaderUsername == "" {
		stored.UploaderUsername = "-"
	}
	if stored.IP == "" {
		stored.IP = "-"
	}
	return stored
}

// RemoveSidecar deletes the metadata for zipName; a missing file is not an
// error.
func RemoveSidecar(dir, zipName string) error {
	err := os.Remove(SidecarPath(dir, zipName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
