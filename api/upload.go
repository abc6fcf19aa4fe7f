package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"
)

const (
	uploadImagePath      = "/users/upload-image"
	uploadImageField     = "image"
	fallbackUploadImage  = "Failed to upload image"
	maxConcurrentUploads = 4
)

// File is one image to upload.
type File struct {
	Name string
	Data io.Reader
}

// UploadImage posts one image as multipart form field `image` and returns
// the resulting image URL.
func (c *Client) UploadImage(ctx context.Context, name string, r io.Reader) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile(uploadImageField, name)
	if err != nil {
		return "", &Error{Message: fallbackUploadImage, Err: err}
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", &Error{Message: fallbackUploadImage, Err: fmt.Errorf("read %s: %w", name, err)}
	}
	if err := w.Close(); err != nil {
		return "", &Error{Message: fallbackUploadImage, Err: err}
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, uploadImagePath, nil, &body, w.FormDataContentType(), fallbackUploadImage)
	if err != nil {
		return "", err
	}

	var resp struct {
		ImageURL string `json:"imageUrl"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil || resp.ImageURL == "" {
		glog.Errorf("api: upload %s: no imageUrl in response: %s", name, string(respBody))
		return "", &Error{StatusCode: http.StatusOK, Message: fallbackUploadImage, Err: ErrMalformedResponse}
	}

	glog.V(5).Infof("api: uploaded %s to %s", name, resp.ImageURL)
	return resp.ImageURL, nil
}

// UploadImages uploads files concurrently and returns their URLs in the same
// order. The first failure cancels the remaining uploads and is returned.
func (c *Client) UploadImages(ctx context.Context, files []File) ([]string, error) {
	urls := make([]string, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentUploads)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			u, err := c.UploadImage(ctx, f.Name, f.Data)
			if err != nil {
				return err
			}
			urls[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}
