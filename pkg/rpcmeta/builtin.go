package rpcmeta

func param(name, typ string) Param {
	return Param{Name: name, Type: typ}
}

func optional(name, typ string) Param {
	return Param{Name: name, Type: typ, IsOptional: true}
}

// at is the optional historic block-hash parameter most state queries end with.
func at() Param {
	return Param{Name: "at", Type: "BlockHash", IsHistoric: true, IsOptional: true}
}

func method(section, name string, params ...Param) MethodDescriptor {
	return MethodDescriptor{Section: section, Method: name, Params: params}
}

// Builtin returns descriptors for the node's standard RPC surface.
func Builtin() []MethodDescriptor {
	return []MethodDescriptor{
		// chain
		method("chain", "getBlock", Param{Name: "hash", Type: "BlockHash", IsHistoric: true, IsOptional: true}),
		method("chain", "getBlockHash", Param{Name: "blockNumber", Type: "BlockNumber", IsHistoric: true, IsOptional: true}),
		method("chain", "getHeader", Param{Name: "hash", Type: "BlockHash", IsHistoric: true, IsOptional: true}),
		method("chain", "getFinalizedHead"),
		method("chain", "subscribeNewHeads"),
		method("chain", "subscribeFinalizedHeads"),

		// state
		method("state", "call", param("method", "Text"), param("data", "Bytes"), at()),
		method("state", "getKeys", param("key", "StorageKey"), at()),
		method("state", "getKeysPaged", param("key", "StorageKey"), param("count", "u32"), optional("startKey", "StorageKey"), at()),
		method("state", "getMetadata", at()),
		method("state", "getPairs", param("prefix", "StorageKey"), at()),
		method("state", "getReadProof", param("keys", "Vec<StorageKey>"), at()),
		method("state", "getRuntimeVersion", at()),
		method("state", "getStorage", param("key", "StorageKey"), at()),
		method("state", "getStorageHash", param("key", "StorageKey"), at()),
		method("state", "getStorageSize", param("key", "StorageKey"), at()),
		method("state", "queryStorage", param("keys", "Vec<StorageKey>"), param("fromBlock", "Hash"), optional("toBlock", "BlockHash")),
		method("state", "queryStorageAt", param("keys", "Vec<StorageKey>"), at()),
		method("state", "subscribeRuntimeVersion"),
		method("state", "subscribeStorage", optional("keys", "Vec<StorageKey>")),
		method("state", "traceBlock", param("block", "Hash"), param("targets", "Option<Text>"), param("storageKeys", "Option<Text>"), param("methods", "Option<Text>")),

		// childstate
		method("childstate", "getKeys", param("childKey", "PrefixedStorageKey"), param("prefix", "StorageKey"), at()),
		method("childstate", "getStorage", param("childKey", "PrefixedStorageKey"), param("key", "StorageKey"), at()),
		method("childstate", "getStorageHash", param("childKey", "PrefixedStorageKey"), param("key", "StorageKey"), at()),
		method("childstate", "getStorageSize", param("childKey", "PrefixedStorageKey"), param("key", "StorageKey"), at()),

		// payment
		method("payment", "queryInfo", param("extrinsic", "Bytes"), at()),
		method("payment", "queryFeeDetails", param("extrinsic", "Bytes"), at()),

		// system
		method("system", "accountNextIndex", param("accountId", "AccountId")),
		method("system", "chain"),
		method("system", "chainType"),
		method("system", "health"),
		method("system", "name"),
		method("system", "peers"),
		method("system", "properties"),
		method("system", "syncState"),
		method("system", "version"),

		// author
		method("author", "pendingExtrinsics"),
		method("author", "submitExtrinsic", param("extrinsic", "Extrinsic")),

		// grandpa
		method("grandpa", "roundState"),

		// offchain
		method("offchain", "localStorageGet", param("kind", "StorageKind"), param("key", "Bytes")),
	}
}
