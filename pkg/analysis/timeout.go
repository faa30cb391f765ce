// Copyright 2024 The gitcore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package analysis

import (
	"context"
	"time"
)

// WithTimeout bounds every analysis started through svc to d, including the
// time spent reading its events. A non-positive d returns svc unchanged.
func WithTimeout(svc Service, d time.Duration) Service {
	if d <= 0 {
		return svc
	}
	return &timeoutService{svc: svc, timeout: d}
}

type timeoutService struct {
	svc     Service
	timeout time.Duration
}

func (s *timeoutService) Start(ctx context.Context, featureID int64) (Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	stream, err := s.svc.Start(ctx, featureID)
	if err != nil {
		cancel()
		return nil, err
	}
	return &timeoutStream{Stream: stream, cancel: cancel}, nil
}

func (s *timeoutService) Delete(ctx context.Context, featureID int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.svc.Delete(ctx, featureID)
}

type timeoutStream struct {
	Stream
	cancel context.CancelFunc
}

func (s *timeoutStream) Close() error {
	defer s.cancel()
	return s.Stream.Close()
}
