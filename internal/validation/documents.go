package validation

import (
	"fmt"
	"slices"
	"strings"
)

// MaxDocumentBytes is the upper bound for an uploaded document.
const MaxDocumentBytes = 5 << 20

// AllowedContentTypes lists the accepted document media types.
var AllowedContentTypes = []string{"application/pdf", "image/jpeg", "image/png"}

// DocumentRef requires a {fileName, contentType, sizeBytes} reference.
func DocumentRef() Check {
	return func(v any) string {
		return checkDocumentRef(v)
	}
}

// DocumentList requires a list of at most maxItems document references.
func DocumentList(maxItems int) Check {
	return func(v any) string {
		items, ok := v.([]any)
		if !ok {
			return "must be a list of documents"
		}
		if len(items) > maxItems {
			return fmt.Sprintf("must contain at most %d documents", maxItems)
		}
		for i, item := range items {
			if msg := checkDocumentRef(item); msg != "" {
				return fmt.Sprintf("document %d %s", i+1, msg)
			}
		}
		return ""
	}
}

func checkDocumentRef(v any) string {
	ref, ok := v.(map[string]any)
	if !ok {
		return "must be a document reference"
	}
	name, _ := ref["fileName"].(string)
	if strings.TrimSpace(name) == "" {
		return "must have a file name"
	}
	ct, _ := ref["contentType"].(string)
	if !slices.Contains(AllowedContentTypes, ct) {
		return "must be a PDF, JPEG or PNG file"
	}
	size, ok := Number(ref["sizeBytes"])
	if !ok || size <= 0 {
		return "must have a size"
	}
	if size > MaxDocumentBytes {
		return "must not be larger than 5 MiB"
	}
	return ""
}
