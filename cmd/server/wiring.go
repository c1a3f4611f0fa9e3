package main

import (
	"github.com/Brownie44l1/classifier-api/internal/artifact"
	"github.com/Brownie44l1/classifier-api/internal/bootstrap"
	"github.com/Brownie44l1/classifier-api/internal/config"
	"github.com/Brownie44l1/classifier-api/internal/model"
	"github.com/Brownie44l1/classifier-api/internal/remote"
)

func newProvisioner(cfg *config.Config) *artifact.Provisioner {
	return artifact.NewProvisioner(
		remote.NewClient(cfg.Fetch.Timeout),
		artifact.WithMaxRetries(cfg.Fetch.MaxRetries),
		artifact.WithProgress(cfg.Fetch.Progress),
	)
}

func modelArtifact(cfg *config.Config) artifact.Artifact {
	return artifact.Artifact{URL: cfg.Model.URL, Path: cfg.Model.Path, SHA256: cfg.Model.SHA256}
}

func metadataArtifact(cfg *config.Config) *artifact.Artifact {
	if cfg.Model.MetadataURL == "" {
		return nil
	}
	return &artifact.Artifact{URL: cfg.Model.MetadataURL, Path: cfg.Model.MetadataPath}
}

func loadOptions(cfg *config.Config) model.LoadOptions {
	return model.LoadOptions{
		MetadataPath:  cfg.Model.MetadataPath,
		Labels:        cfg.Model.Labels,
		DefaultLabels: config.DefaultLabels,
		ImageSize:     cfg.Model.ImageSize,
		Output:        model.OutputKind(cfg.Model.Output),
		Threads:       cfg.Model.Threads,
		LibraryPath:   cfg.Model.ORTLibrary,
		Timeout:       cfg.Inference.Timeout,
	}
}

func deps(cfg *config.Config) bootstrap.Deps {
	opts := loadOptions(cfg)
	return bootstrap.Deps{
		Provisioner: newProvisioner(cfg),
		Model:       modelArtifact(cfg),
		Metadata:    metadataArtifact(cfg),
		Load: func(path string) (model.Predictor, error) {
			c, err := model.Load(path, opts)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	}
}
