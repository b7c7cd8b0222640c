// Copyright 2025 The davinci-census Authors
// This file is part of davinci-census.
//
// davinci-census is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// davinci-census is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with davinci-census. If not, see <http://www.gnu.org/licenses/>.

package main

import "github.com/ethereum/go-ethereum/metrics"

var (
	refreshTotal        = metrics.NewRegisteredCounter("censusd/refresh/total", nil)
	refreshLatency      = metrics.NewRegisteredTimer("censusd/refresh/latency", nil)
	refreshErrorsTotal  = metrics.NewRegisteredCounter("censusd/refresh/errors/total", nil)
	refreshBackoffGauge = metrics.NewRegisteredGauge("censusd/refresh/backoff/ms", nil)
	divergedTotal       = metrics.NewRegisteredCounter("censusd/diverged/total", nil)

	queryProofTotal  = metrics.NewRegisteredCounter("censusd/query/proof/total", nil)
	queryLeavesTotal = metrics.NewRegisteredCounter("censusd/query/leaves/total", nil)
)
