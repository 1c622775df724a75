package model

// DownloadState represents the download status of a single feed video
type DownloadState string

const (
	// DownloadNotStarted means no download was attempted yet
	DownloadNotStarted DownloadState = "NotStarted"

	// DownloadInProgress means a worker currently owns the video
	DownloadInProgress DownloadState = "InProgress"

	// DownloadSucceeded means the audio file is on disk
	DownloadSucceeded DownloadState = "Succeeded"

	// DownloadFailed means the last attempt failed; resubmission is allowed
	DownloadFailed DownloadState = "Failed"
)

// String returns the string representation of DownloadState
func (ds DownloadState) String() string {
	return string(ds)
}

// IsActive returns true if a worker owns the video
func (ds DownloadState) IsActive() bool {
	return ds == DownloadInProgress
}

// IsFinished returns true if the last attempt settled (succeeded or failed)
func (ds DownloadState) IsFinished() bool {
	return ds == DownloadSucceeded || ds == DownloadFailed
}

// StopReason tells why a crawl ended
type StopReason string

const (
	StopMaxVideosReached StopReason = "MaxVideosReached"
	StopMaxAgeReached    StopReason = "MaxAgeReached"
	StopStalled          StopReason = "Stalled"
	StopSourceError      StopReason = "SourceError"
	// StopCanceled is reported when the caller's context ends the crawl
	StopCanceled StopReason = "Canceled"
)

// String returns the string representation of StopReason
func (sr StopReason) String() string {
	return string(sr)
}

// IsError returns true if the crawl ended because of a failure rather than a
// regular stop condition
func (sr StopReason) IsError() bool {
	return sr == StopSourceError || sr == StopCanceled
}
