// Package image builds and pushes container images through the local
// Docker daemon, so a deployment can go from source tree to a runnable
// image reference in one graph.
package image

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/docker/api/types"
	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/tidemark-io/tidemark/internal/provider"
)

const KindContainerImage = "container-image"

type Provider struct {
	client *client.Client
}

func New() (provider.Interface, error) {
	return &Provider{}, nil
}

func (p *Provider) ensureClient() error {
	if p.client != nil {
		return nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	p.client = cli
	return nil
}

func (p *Provider) Kinds() []string {
	return []string{KindContainerImage}
}

type imageConfig struct {
	Tag          string            `json:"tag"`
	BuildContext string            `json:"buildContext"`
	Dockerfile   string            `json:"dockerfile"`
	BuildArgs    map[string]string `json:"buildArgs"`
	Push         bool              `json:"push"`
}

func (p *Provider) CreateOrUpdate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if err := p.ensureClient(); err != nil {
		return nil, err
	}
	var cfg imageConfig
	raw, err := json.Marshal(req.Inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode inputs: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("invalid inputs: %w", err)
	}
	if cfg.Tag == "" {
		return nil, fmt.Errorf("container image %q: tag is required", req.Node)
	}

	if cfg.BuildContext != "" {
		tar, err := archive.TarWithOptions(cfg.BuildContext, &archive.TarOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to create build context tar: %w", err)
		}

		args := make(map[string]*string, len(cfg.BuildArgs))
		for k := range cfg.BuildArgs {
			v := cfg.BuildArgs[k]
			args[k] = &v
		}
		opts := types.ImageBuildOptions{
			Tags:       []string{cfg.Tag},
			Dockerfile: cfg.Dockerfile,
			BuildArgs:  args,
			Remove:     true,
			Labels: map[string]string{
				ocispec.AnnotationCreated: time.Now().UTC().Format(time.RFC3339),
				ocispec.AnnotationVendor:  "tidemark",
			},
		}

		resp, err := p.client.ImageBuild(ctx, tar, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to build image: %w", err)
		}
		defer resp.Body.Close()

		// Drain output to prevent blocking
		io.Copy(os.Stdout, resp.Body)
	} else {
		reader, err := p.client.ImagePull(ctx, cfg.Tag, dockerimage.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to pull image: %w", err)
		}
		io.Copy(os.Stdout, reader)
		reader.Close()
	}

	if cfg.Push {
		reader, err := p.client.ImagePush(ctx, cfg.Tag, dockerimage.PushOptions{
			RegistryAuth: os.Getenv("TIDEMARK_REGISTRY_AUTH"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to push image: %w", err)
		}
		io.Copy(os.Stdout, reader)
		reader.Close()
	}

	inspect, _, err := p.client.ImageInspectWithRaw(ctx, cfg.Tag)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect built image: %w", err)
	}

	ref := cfg.Tag
	if len(inspect.RepoDigests) > 0 {
		ref = inspect.RepoDigests[0]
	}
	return &provider.Response{
		ProviderID: inspect.ID,
		Outputs: map[string]any{
			"id":       inspect.ID,
			"tag":      cfg.Tag,
			"imageRef": ref,
		},
	}, nil
}

func (p *Provider) Destroy(ctx context.Context, req *provider.DestroyRequest) error {
	if err := p.ensureClient(); err != nil {
		return err
	}
	if req.ProviderID == "" {
		return nil
	}
	_, err := p.client.ImageRemove(ctx, req.ProviderID, dockerimage.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove image: %w", err)
	}
	return nil
}
