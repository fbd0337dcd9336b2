// indexer fetches blocks from a set of chain RPC endpoints and runs
// snapshot-bound RPC queries against each one.
package main

func main() {
	Execute()
}
