package domain

const processedPrefix = "processed_"

// UploadArtifact identifies one uploaded image. ID is generated per request and
// never derived from the client filename.
type UploadArtifact struct {
	ID        string
	Extension string
	// Size is the number of bytes staged, known once the upload was written.
	Size int64
}

// FileName is the staged and published name of the original image.
func (a UploadArtifact) FileName() string {
	if a.Extension == "" {
		return a.ID
	}
	return a.ID + "." + a.Extension
}

// ProcessedFileName is the name of the worker output, distinct from the
// original and from every other job's files.
func (a UploadArtifact) ProcessedFileName() string {
	return processedPrefix + a.FileName()
}
