package server

import (
	"net/http"

	"github.com/klauspost/compress/gzhttp"
	"github.com/klauspost/compress/gzip"
)

// compressMinSize leaves small bodies alone. A deck list or an error fits
// in one packet; a full deck with its step maps and targets does not.
const compressMinSize = 1024

// newDeckCompression gzips JSON deck responses above compressMinSize.
// Decks are served on every mount, so speed wins over ratio.
func newDeckCompression() (func(http.Handler) http.Handler, error) {
	wrap, err := gzhttp.NewWrapper(
		gzhttp.MinSize(compressMinSize),
		gzhttp.CompressionLevel(gzip.BestSpeed),
		gzhttp.ContentTypes([]string{"application/json"}),
	)
	if err != nil {
		return nil, err
	}
	return func(next http.Handler) http.Handler { return wrap(next) }, nil
}
