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

package census

import "github.com/ethereum/go-ethereum/metrics"

var (
	buildTimer       = metrics.NewRegisteredTimer("census/build/time", nil)
	buildFailCounter = metrics.NewRegisteredCounter("census/build/failures", nil)
	resumeCounter    = metrics.NewRegisteredCounter("census/build/resumed", nil)
	mismatchCounter  = metrics.NewRegisteredCounter("census/build/mismatch", nil)
	pagesCounter     = metrics.NewRegisteredCounter("census/feed/pages", nil)
	retryCounter     = metrics.NewRegisteredCounter("census/feed/retries", nil)
	memoryHitMeter   = metrics.NewRegisteredMeter("census/memory/hit", nil)
	censusSizeGauge  = metrics.NewRegisteredGauge("census/size", nil)
	proofCounter     = metrics.NewRegisteredCounter("census/proofs", nil)
)
