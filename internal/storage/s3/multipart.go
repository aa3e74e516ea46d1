package s3

// Package-wide multipart sizing defaults used when a caller (such as the
// cargoship transporter setup in client.go) has no Config in hand yet.
const (
	multipartThreshold = 32 * 1024 * 1024
	multipartPartSize  = 16 * 1024 * 1024
)

// CalculatePartCount returns how many parts an object of fileSize splits
// into at chunkSize, rounding up. A non-positive chunkSize or fileSize
// yields zero.
func CalculatePartCount(fileSize, chunkSize int64) int {
	if chunkSize <= 0 || fileSize <= 0 {
		return 0
	}
	parts := fileSize / chunkSize
	if fileSize%chunkSize != 0 {
		parts++
	}
	if parts == 0 {
		parts = 1
	}
	return int(parts)
}

// CalculateOptimalChunkSize scales the part size with object size: objects
// at or below threshold upload as a single part, and the part size steps
// up through multiples of baseChunkSize as the object grows into the
// gigabyte range. The largest step is 8 × baseChunkSize (128 MiB at the
// default 16 MiB), which keeps objects up to about 1.2 TiB within the API
// limit of 10000 parts; larger objects exceed it.
func CalculateOptimalChunkSize(fileSize, threshold, baseChunkSize int64) int64 {
	const (
		mb = 1024 * 1024
		gb = 1024 * mb
	)
	switch {
	case fileSize <= threshold:
		return fileSize
	case fileSize <= 100*mb:
		return baseChunkSize / 2
	case fileSize <= gb:
		return baseChunkSize
	case fileSize <= 10*gb:
		return baseChunkSize * 2
	case fileSize <= 100*gb:
		return baseChunkSize * 4
	default:
		return baseChunkSize * 8
	}
}
