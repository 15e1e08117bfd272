// Posture - cloud security posture checks
// Fetch once. Evaluate many.
package main

func main() {
	Execute()
}
