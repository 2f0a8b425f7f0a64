// Copyright 2016 TiKV Project Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package etcdutil

import (
	"context"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Get returns the etcd GetResponse by given key and options.
// The request is bounded by DefaultRequestTimeout.
func Get(ctx context.Context, c *clientv3.Client, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	if key == "" {
		return nil, errors.New("empty key")
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultRequestTimeout)
	defer cancel()

	logger := c.GetLogger()

	start := time.Now()
	resp, err := c.KV.Get(ctx, key, opts...)
	if cost := time.Since(start); cost > DefaultSlowRequestTime {
		logger.Warn("getting value is too slow", zap.String("key", key), zap.Duration("cost", cost), zap.Error(err))
	}

	if err != nil {
		logger.Error("failed to get value", zap.String("key", key), zap.Error(err))
		return resp, errors.Wrapf(err, "get value by key %s", key)
	}

	return resp, nil
}
