// Command studysync keeps the study databases of one user in sync across
// devices through a shared remote folder.
package main

import "github.com/kimhsiao/studysync/cmd/studysync/cmd"

func main() {
	cmd.Execute()
}
