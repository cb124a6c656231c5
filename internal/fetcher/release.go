package fetcher

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ReleaseExtensions are the files a roll release is made of: the roll
// documents and the point shapefile with its sidecars.
var ReleaseExtensions = []string{".xml", ".shp", ".shx", ".dbf", ".prj", ".cpg"}

// FetchRelease downloads a roll release into destDir. ZIP archives are
// extracted and removed; any other file is kept as downloaded. Returns the
// release files now in destDir.
func FetchRelease(ctx context.Context, f Fetcher, rawURL, destDir string) ([]string, error) {
	log := zap.L().With(zap.String("component", "fetcher"))

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse url %q", rawURL)
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		return nil, eris.Errorf("fetcher: url %q does not name a file", rawURL)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "fetcher: create destination")
	}

	dest := filepath.Join(destDir, name)
	log.Info("downloading release", zap.String("url", rawURL), zap.String("dest", dest))
	n, err := f.DownloadToFile(ctx, rawURL, dest)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: download %s", rawURL)
	}
	log.Info("downloaded release", zap.Int64("bytes", n))

	if !strings.EqualFold(filepath.Ext(name), ".zip") {
		return []string{dest}, nil
	}

	files, err := ExtractZIP(dest, destDir, ReleaseExtensions...)
	if err != nil {
		return files, eris.Wrapf(err, "fetcher: extract %s", dest)
	}
	if err := os.Remove(dest); err != nil {
		log.Warn("could not remove archive", zap.String("path", dest), zap.Error(err))
	}
	log.Info("extracted release", zap.Int("files", len(files)))
	return files, nil
}
