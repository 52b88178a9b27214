// Package storage 封装封面图的对象存储（Supabase Storage）。
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	storage_go "github.com/supabase-community/storage-go"
)

// File 表示一个已通过校验的上传文件。
type File struct {
	Filename    string
	ContentType string
	Content     []byte
}

// ErrUnsupportedURL 表示 URL 不属于当前存储桶。
var ErrUnsupportedURL = errors.New("unsupported storage url")

// objectClient 是网关对对象存储的最小依赖。
type objectClient interface {
	Put(bucket, key string, data io.Reader, contentType string) error
	Remove(bucket string, keys []string) error
}

// supabaseClient 用 storage-go 实现 objectClient。
type supabaseClient struct {
	client *storage_go.Client
}

func (s supabaseClient) Put(bucket, key string, data io.Reader, contentType string) error {
	upsert := false
	_, err := s.client.UploadFile(bucket, key, data, storage_go.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	return err
}

func (s supabaseClient) Remove(bucket string, keys []string) error {
	_, err := s.client.RemoveFile(bucket, keys)
	return err
}

// Gateway 负责上传、删除封面对象并生成公开地址。
type Gateway struct {
	client    objectClient
	baseURL   string
	bucket    string
	cdnDomain string
	now       func() time.Time
}

// NewGateway 创建 Supabase 存储网关。
//
// supabaseURL 形如 https://xyz.supabase.co；cdnDomain 非空时公开地址使用该域名。
func NewGateway(supabaseURL, serviceKey, bucket, cdnDomain string) (*Gateway, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(supabaseURL), "/")
	if baseURL == "" || serviceKey == "" || bucket == "" {
		return nil, errors.New("storage configuration is incomplete")
	}
	client := storage_go.NewClient(baseURL+"/storage/v1", serviceKey, nil)
	return newGateway(supabaseClient{client: client}, baseURL, bucket, cdnDomain), nil
}

func newGateway(client objectClient, baseURL, bucket, cdnDomain string) *Gateway {
	return &Gateway{
		client:    client,
		baseURL:   baseURL,
		bucket:    bucket,
		cdnDomain: strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(cdnDomain, "https://"), "http://"), "/"),
		now:       time.Now,
	}
}

// Upload 将文件写入 folder 下的唯一键，并返回公开地址。
func (g *Gateway) Upload(ctx context.Context, file File, folder string) (string, error) {
	if len(file.Content) == 0 {
		return "", errors.New("empty file")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := g.objectKey(folder, file.Filename)
	if err := g.client.Put(g.bucket, key, bytes.NewReader(file.Content), file.ContentType); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return g.PublicURL(key), nil
}

// Delete 根据公开地址删除对象。
func (g *Gateway) Delete(ctx context.Context, fileURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := g.KeyFromURL(fileURL)
	if err != nil {
		return err
	}
	if err := g.client.Remove(g.bucket, []string{key}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// PublicURL 返回 key 对应的公开地址。
func (g *Gateway) PublicURL(key string) string {
	if g.cdnDomain != "" {
		return fmt.Sprintf("https://%s/%s", g.cdnDomain, key)
	}
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", g.baseURL, g.bucket, key)
}

// KeyFromURL 从 CDN 地址或 Supabase 公开地址中解析对象键。
func (g *Gateway) KeyFromURL(fileURL string) (string, error) {
	if strings.TrimSpace(fileURL) == "" {
		return "", fmt.Errorf("%w: empty url", ErrUnsupportedURL)
	}
	u, err := url.Parse(fileURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}

	if g.cdnDomain != "" && u.Host == g.cdnDomain {
		key := strings.TrimPrefix(u.Path, "/")
		if key == "" {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedURL, fileURL)
		}
		return key, nil
	}

	base, err := url.Parse(g.baseURL)
	if err == nil && u.Host == base.Host {
		prefix := "/storage/v1/object/public/" + g.bucket + "/"
		if strings.HasPrefix(u.Path, prefix) && len(u.Path) > len(prefix) {
			return strings.TrimPrefix(u.Path, prefix), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedURL, fileURL)
}

func (g *Gateway) objectKey(folder, filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if ext == "" {
		ext = "bin"
	}
	name := fmt.Sprintf("%d-%s.%s", g.now().UnixMilli(), uuid.NewString(), ext)
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return name
	}
	return folder + "/" + name
}
