package utils

import (
	"strings"

	"goviewer.io/vellum/models"
)

// PartitionForURL classifies a request URL into a cache partition by its
// path convention: binary modules end in .wasm, versioned asset paths are
// static, everything else is dynamic.
func PartitionForURL(url string) string {
	path := url
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}

	switch {
	case strings.HasSuffix(path, ".wasm"):
		return models.PartitionWasm
	case strings.Contains(path, "/assets/") || strings.Contains(path, "/static/"):
		return models.PartitionStatic
	default:
		return models.PartitionDynamic
	}
}

// IsBinaryModuleURL reports whether the URL follows the binary-module path
// convention and must pass integrity validation before instantiation.
func IsBinaryModuleURL(url string) bool {
	return PartitionForURL(url) == models.PartitionWasm
}
