package main

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dvloznov/finance-intake/internal/app"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/intake"
	"github.com/spf13/cobra"
)

func submitCmd() *cobra.Command {
	var enqueue bool

	cmd := &cobra.Command{
		Use:   "submit <file>...",
		Short: "Submit local documents as one submission",
		Long: `Reserve a submission for the given files, upload each one to its signed URL
and optionally dispatch classification for all of them.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				req := intake.Request{IngestionMethod: domain.IngestionAPI}
				for _, path := range args {
					info, err := os.Stat(path)
					if err != nil {
						return err
					}
					mt := mime.TypeByExtension(filepath.Ext(path))
					if mt == "" {
						mt = "application/octet-stream"
					}
					req.Files = append(req.Files, intake.FileDescriptor{
						Name:     filepath.Base(path),
						Size:     info.Size(),
						MimeType: mt,
					})
				}

				res, err := a.Intake.Intake(ctx, tenantID, req)
				if err != nil {
					return err
				}

				log := logFrom(ctx)
				for i, fm := range res.FileMaps {
					if fm.UploadURL == "" {
						log.Warn().Str("file_id", fm.FileID).Msg("No upload URL issued; upload the file to storage_path manually")
						continue
					}
					if err := upload(ctx, fm.UploadURL, args[i], req.Files[i].MimeType); err != nil {
						return fmt.Errorf("uploading %s: %w", args[i], err)
					}
					log.Info().Str("file_id", fm.FileID).Str("path", fm.StoragePath).Msg("Uploaded")
				}

				if enqueue {
					bulk, err := a.Dispatcher.BulkEnqueue(ctx, tenantID, res.SubmissionID)
					if err != nil {
						return err
					}
					log.Info().Int("accepted", bulk.Accepted).Int("skipped", bulk.Skipped).Msg("Dispatched")
				}
				return printJSON(res)
			})
		},
	}
	tenantFlag(cmd)
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "dispatch classification after uploading")
	return cmd
}

// upload PUTs a local file to a V4 signed URL.
func upload(ctx context.Context, url, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentType)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("upload returned %s", resp.Status)
	}
	return nil
}
