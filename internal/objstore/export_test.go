// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objstore

var (
	BackendOperationsStartedTotal = backendOperationsStartedTotal
	BackendOperationsFailedTotal  = backendOperationsFailedTotal
)
