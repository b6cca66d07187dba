// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stats

import (
	"time"
)

// LayerReadStats is a struct containing stats about a single layer of the extraction pass.
type LayerReadStats struct {
	Index   int
	Digest  string
	Runtime time.Duration
	// Entries is the number of tar entries visited in the layer.
	Entries int
	// Decoded is the number of entries handed to an extract action.
	Decoded int
	// Removed is the number of previously extracted files hidden by whiteouts of this layer.
	Removed int
}

// FileDecodedStats is a struct containing stats about a file that was matched by an extract
// action.
type FileDecodedStats struct {
	Path          string
	Layer         int
	Result        FileDecodedResult
	FileSizeBytes int64
}

// FileDecodedResult is a string representation of the result of a decode callback.
type FileDecodedResult string

const (
	// FileDecodedResultSuccess indicates that the file was decoded successfully.
	FileDecodedResultSuccess FileDecodedResult = "FILE_DECODED_RESULT_SUCCESS"

	// FileDecodedResultSkipped indicates that the action declined the content, e.g. a file in a
	// binary directory that is not an ELF object.
	FileDecodedResultSkipped FileDecodedResult = "FILE_DECODED_RESULT_SKIPPED"

	// FileDecodedResultErrorUnknown indicates that the decode callback failed.
	FileDecodedResultErrorUnknown FileDecodedResult = "FILE_DECODED_RESULT_ERROR_UNKNOWN"
)

// ParserRunStats is a struct containing stats about a parser run.
type ParserRunStats struct {
	Runtime    time.Duration
	Packages   int
	FileErrors int
	Error      error
}
