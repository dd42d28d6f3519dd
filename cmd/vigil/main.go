// Vigil - Temporal Insights Engine
// Learn what normal looks like. Remember what happened.
package main

func main() {
	Execute()
}
