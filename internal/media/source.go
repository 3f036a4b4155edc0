package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ChuLiYu/fedqueue/internal/blob"
)

// load 讀取來源位元組，超過 MaxBytes 回傳 ErrTooLarge
func (p *Pipeline) load(ctx context.Context, asset Asset) ([]byte, error) {
	switch {
	case asset.UploadKey != "" && asset.SourceURI != "":
		return nil, fmt.Errorf("%w: asset %s has both an upload key and a source uri", ErrFetchFailed, asset.ID)
	case asset.UploadKey != "":
		return p.loadUpload(ctx, asset.UploadKey)
	case asset.SourceURI != "":
		return p.loadRemote(ctx, asset.SourceURI)
	}
	return nil, fmt.Errorf("%w: asset %s has no source", ErrFetchFailed, asset.ID)
}

func (p *Pipeline) loadUpload(ctx context.Context, key string) ([]byte, error) {
	obj, err := p.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, &FetchError{Source: key, Status: http.StatusNotFound, Err: err}
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if int64(len(obj.Data)) > p.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(obj.Data))
	}
	return obj.Data, nil
}

func (p *Pipeline) loadRemote(ctx context.Context, uri string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, &FetchError{Source: uri, Status: http.StatusBadRequest, Err: err}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &FetchError{Source: uri, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{Source: uri, Status: resp.StatusCode}
	}
	if resp.ContentLength > p.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: content-length %d", ErrTooLarge, resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBytes+1))
	if err != nil {
		return nil, &FetchError{Source: uri, Err: err}
	}
	if int64(len(data)) > p.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, p.cfg.MaxBytes)
	}
	return data, nil
}
