// Copyright 2025 The davinci-census Authors
// This file is part of the davinci-census library.
//
// The davinci-census library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The davinci-census library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the davinci-census library. If not, see <http://www.gnu.org/licenses/>.

package treecache

import "github.com/ethereum/go-ethereum/metrics"

var (
	cacheHitMeter         = metrics.NewRegisteredMeter("census/cache/hit", nil)
	cacheMissMeter        = metrics.NewRegisteredMeter("census/cache/miss", nil)
	cacheIntegrityCounter = metrics.NewRegisteredCounter("census/cache/integrity/failures", nil)
	cacheEvictCounter     = metrics.NewRegisteredCounter("census/cache/evictions", nil)
	cacheEntriesGauge     = metrics.NewRegisteredGauge("census/cache/entries", nil)
	cacheWriteTimer       = metrics.NewRegisteredTimer("census/cache/write", nil)
)
