// Command shadowledger runs a ledger node and talks to one.
package main

func main() {
	Execute()
}
