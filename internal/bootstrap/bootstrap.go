// Package bootstrap brings the inference service up: provision the model
// artifact, load it, then open the readiness gate. A failure in any step
// fails the gate and is returned so the process can exit.
package bootstrap

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/classifier-api/internal/artifact"
	"github.com/Brownie44l1/classifier-api/internal/model"
)

type Provisioner interface {
	Ensure(ctx context.Context, a artifact.Artifact) error
}

// LoadFunc turns the provisioned artifact into a ready predictor.
type LoadFunc func(path string) (model.Predictor, error)

type Deps struct {
	Provisioner Provisioner
	Load        LoadFunc
	Model       artifact.Artifact
	// Metadata is an optional sidecar artifact provisioned next to the model.
	Metadata *artifact.Artifact
}

type Gate interface {
	BeginProvisioning() error
	BeginLoading() error
	MarkReady(model.Predictor) error
	Fail(error)
}

func Run(ctx context.Context, gate Gate, deps Deps) (model.Predictor, error) {
	if err := gate.BeginProvisioning(); err != nil {
		return nil, err
	}

	artifacts := []artifact.Artifact{deps.Model}
	if deps.Metadata != nil {
		artifacts = append(artifacts, *deps.Metadata)
	}
	for _, a := range artifacts {
		if err := deps.Provisioner.Ensure(ctx, a); err != nil {
			gate.Fail(err)
			return nil, fmt.Errorf("provision %s: %w", a.Path, err)
		}
	}

	if err := gate.BeginLoading(); err != nil {
		gate.Fail(err)
		return nil, err
	}

	p, err := deps.Load(deps.Model.Path)
	if err != nil {
		gate.Fail(err)
		return nil, err
	}

	if err := gate.MarkReady(p); err != nil {
		gate.Fail(err)
		if cerr := p.Close(); cerr != nil {
			log.WithError(cerr).Warn("release unpublished model")
		}
		return nil, err
	}

	log.WithFields(log.Fields{
		"model":  deps.Model.Path,
		"labels": p.Labels(),
	}).Info("inference service ready")
	return p, nil
}
