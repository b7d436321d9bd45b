// Package aggregate derives submission-level status and financial rollups
// from the current state of a Submission's Files and extracted rows. Every
// run recomputes from scratch, so concurrent or repeated runs converge.
package aggregate

import "github.com/dvloznov/finance-intake/internal/domain"

// FileCounts tallies Files by lifecycle bucket.
type FileCounts struct {
	Total     int
	Uploaded  int
	InFlight  int
	Processed int
	Failed    int
}

// Terminal is the number of Files that are done, successfully or not.
func (c FileCounts) Terminal() int {
	return c.Processed + c.Failed
}

// CountFiles buckets files by status.
func CountFiles(files []*domain.File) FileCounts {
	c := FileCounts{Total: len(files)}
	for _, f := range files {
		switch {
		case f.Status == domain.FileProcessed:
			c.Processed++
		case f.Status == domain.FileFailed:
			c.Failed++
		case f.Status.InFlight():
			c.InFlight++
		default:
			c.Uploaded++
		}
	}
	return c
}

// DeriveStatus maps file counts onto a Submission status:
//
//	every File processed            -> processed
//	every File failed               -> failed
//	any File in flight              -> processing
//	all terminal, mixed outcomes    -> partially_failed
//	every File still uploaded       -> pending
//	uploaded mixed with terminal    -> processing
func DeriveStatus(c FileCounts) domain.SubmissionStatus {
	switch {
	case c.Total == 0:
		return domain.SubmissionPending
	case c.Processed == c.Total:
		return domain.SubmissionProcessed
	case c.Failed == c.Total:
		return domain.SubmissionFailed
	case c.InFlight > 0:
		return domain.SubmissionProcessing
	case c.Terminal() == c.Total:
		return domain.SubmissionPartiallyFailed
	case c.Uploaded == c.Total:
		return domain.SubmissionPending
	default:
		return domain.SubmissionProcessing
	}
}
