// mailrelay-userdb administers a user database file: add, list, and
// remove accounts.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"

	"golang.org/x/term"

	"mailrelay/internal/auth"
)

var (
	dbFname = flag.String("database", "", "database file")
	addUser = flag.String("add_user", "", "user to add")
	delUser = flag.String("remove_user", "", "user to remove")
	list    = flag.Bool("list", false, "list all users")
	password = flag.String("password", "",
		"password for the user to add (will prompt if missing)")
	disableChecks = flag.Bool("dangerously_disable_checks", false,
		"disable security checks - DANGEROUS, use for testing only")
)

func main() {
	flag.Parse()

	if *dbFname == "" {
		fmt.Println("database name missing, forgot --database?")
		os.Exit(1)
	}

	db, err := auth.Load(*dbFname)
	if err != nil {
		fmt.Printf("error loading database: %v\n", err)
		os.Exit(1)
	}

	switch {
	case *list:
		for _, u := range db.Usernames() {
			fmt.Println(u)
		}
		return

	case *delUser != "":
		if !db.RemoveUser(*delUser) {
			fmt.Printf("no such user: %s\n", *delUser)
			os.Exit(1)
		}

	case *addUser != "":
		pw := *password
		if pw == "" {
			pw, err = promptPassword()
			if err != nil {
				fmt.Printf("error reading password: %v\n", err)
				os.Exit(1)
			}
		}

		if !*disableChecks && len(pw) < 8 {
			fmt.Println("password is too short")
			os.Exit(1)
		}

		if err := db.AddUser(*addUser, pw); err != nil {
			fmt.Printf("error adding user: %v\n", err)
			os.Exit(1)
		}

	default:
		fmt.Println("database loaded")
		return
	}

	if err := db.Save(*dbFname); err != nil {
		fmt.Printf("error writing database: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("done")
}

// promptPassword reads a password from the terminal twice, without echo,
// and returns it only if both entries match.
func promptPassword() (string, error) {
	fmt.Print("Password: ")
	p1, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}

	fmt.Print("Confirm password: ")
	p2, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}

	if !bytes.Equal(p1, p2) {
		return "", fmt.Errorf("passwords don't match")
	}

	return string(p1), nil
}
