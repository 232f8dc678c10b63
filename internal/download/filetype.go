package download

import (
	"archive/zip"
	"bytes"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

var oleSignature = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// DetectFileType resolves the true type of a document. Magic bytes win,
// the content-type header is consulted next and the URL extension last.
// Servers routinely lie about both of the latter.
func DetectFileType(body []byte, contentType, rawURL string) tariff.FileType {
	if t := sniffMagic(body, contentType, rawURL); t != tariff.TypeUnknown {
		return t
	}
	if t := typeFromContentType(contentType); t != tariff.TypeUnknown {
		return t
	}
	return typeFromExtension(rawURL)
}

func sniffMagic(body []byte, contentType, rawURL string) tariff.FileType {
	if len(body) < 8 {
		return tariff.TypeUnknown
	}
	if bytes.HasPrefix(body, []byte("%PDF")) {
		return tariff.TypePDF
	}
	if bytes.HasPrefix(body, []byte("PK\x03\x04")) {
		return sniffZip(body)
	}
	if bytes.HasPrefix(body, oleSignature) {
		return sniffOLE(contentType, rawURL)
	}
	return tariff.TypeUnknown
}

// sniffZip disambiguates an OOXML container from a plain archive by the
// package manifest.
func sniffZip(body []byte) tariff.FileType {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return tariff.TypeZIP
	}
	for _, f := range zr.File {
		switch {
		case strings.HasPrefix(f.Name, "xl/"):
			return tariff.TypeXLSX
		case strings.HasPrefix(f.Name, "word/"):
			return tariff.TypeDOCX
		case f.Name == "[Content_Types].xml":
			if t := sniffContentTypesManifest(f); t != tariff.TypeUnknown {
				return t
			}
		}
	}
	return tariff.TypeZIP
}

func sniffContentTypesManifest(f *zip.File) tariff.FileType {
	rc, err := f.Open()
	if err != nil {
		return tariff.TypeUnknown
	}
	defer rc.Close()
	manifest, err := io.ReadAll(io.LimitReader(rc, 64<<10))
	if err != nil {
		return tariff.TypeUnknown
	}
	switch {
	case bytes.Contains(manifest, []byte("spreadsheetml")):
		return tariff.TypeXLSX
	case bytes.Contains(manifest, []byte("wordprocessingml")):
		return tariff.TypeDOCX
	}
	return tariff.TypeUnknown
}

// sniffOLE splits the legacy compound-document signature, shared by xls
// and doc, on the weaker signals. Tariff sheets are far more often
// spreadsheets, so that is the fallback.
func sniffOLE(contentType, rawURL string) tariff.FileType {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "ms-excel"):
		return tariff.TypeXLS
	case strings.Contains(ct, "msword"):
		return tariff.TypeDOC
	}
	switch typeFromExtension(rawURL) {
	case tariff.TypeDOC:
		return tariff.TypeDOC
	default:
		return tariff.TypeXLS
	}
}

func typeFromContentType(contentType string) tariff.FileType {
	ct := strings.ToLower(contentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(ct)
	switch {
	case ct == "application/pdf":
		return tariff.TypePDF
	case strings.Contains(ct, "spreadsheetml"):
		return tariff.TypeXLSX
	case strings.Contains(ct, "ms-excel"):
		return tariff.TypeXLS
	case strings.Contains(ct, "wordprocessingml"):
		return tariff.TypeDOCX
	case strings.Contains(ct, "msword"):
		return tariff.TypeDOC
	case ct == "text/html", ct == "application/xhtml+xml":
		return tariff.TypeHTML
	case ct == "text/csv":
		return tariff.TypeCSV
	case ct == "application/zip":
		return tariff.TypeZIP
	}
	return tariff.TypeUnknown
}

func typeFromExtension(rawURL string) tariff.FileType {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return tariff.TypeUnknown
	}
	switch strings.ToLower(path.Ext(parsed.Path)) {
	case ".pdf":
		return tariff.TypePDF
	case ".xlsx":
		return tariff.TypeXLSX
	case ".xls":
		return tariff.TypeXLS
	case ".docx":
		return tariff.TypeDOCX
	case ".doc":
		return tariff.TypeDOC
	case ".html", ".htm":
		return tariff.TypeHTML
	case ".csv":
		return tariff.TypeCSV
	case ".zip":
		return tariff.TypeZIP
	}
	return tariff.TypeUnknown
}
