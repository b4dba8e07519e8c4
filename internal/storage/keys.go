package storage

import (
	"mime"
	"strings"

	"github.com/google/uuid"
)

// InputKey names a freshly uploaded photo.
func InputKey(ownerID, contentType string) string {
	return "inputs/" + ownerID + "/" + uuid.NewString() + extensionFor(contentType, ".jpg")
}

// OutputKey names the generated video of a job.
func OutputKey(ownerID, jobID, contentType string) string {
	return "outputs/" + ownerID + "/" + jobID + extensionFor(contentType, ".mp4")
}

func extensionFor(contentType, fallback string) string {
	ct, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fallback
	}
	switch strings.ToLower(ct) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/quicktime":
		return ".mov"
	case "video/webm":
		return ".webm"
	}
	return fallback
}
