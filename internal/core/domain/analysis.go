package domain

import "encoding/json"

// AnalysisResult is what the analysis service returned for one frame.
// Raw is the response body exactly as received; it is what clients get.
type AnalysisResult struct {
	Width      int
	Height     int
	EdgePixels int
	Processed  string
	Raw        json.RawMessage
}
