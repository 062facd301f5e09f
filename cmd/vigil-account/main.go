// This script is a small convenience tool for manipulating user accounts in
// the configured server database.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"gorm.io/gorm"

	"github.com/vigil-remote/vigil/internal/auth"
	"github.com/vigil-remote/vigil/internal/core"
	"github.com/vigil-remote/vigil/internal/core/data"
)

var (
	configFlag = flag.String("config", "./", "Path to the directory containing the server config file")
	add        = flag.Bool("add", false, "Add an account.")
	pd         = flag.Bool("perm-delete", false, "Delete an account permanently.")
	softDelete = flag.Bool("delete", false, "Soft delete an account.")
	ban        = flag.Bool("ban", false, "Ban an account.")
	help       = flag.Bool("help", false, "Print this usage info.")
)

func main() {
	flag.Parse()

	if help != nil && *help {
		flag.Usage()
		os.Exit(0)
	}

	config := core.LoadConfig(*configFlag)
	db, err := data.Initialize(config.DatabaseURL(), false)
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
	defer func() {
		_ = data.Shutdown(db)
	}()

	// defer so os.Exit doesn't prevent our clean up.
	retCode := 0
	defer func() {
		os.Exit(retCode)
	}()

	switch {
	case add != nil && *add:
		u := scanInput("Username")
		p := scanInput("Password")
		e := scanInput("Email")
		if err = addAccount(db, u, p, e); err != nil {
			retCode = 1
			fmt.Println(err.Error())
		}
	case softDelete != nil && *softDelete:
		if err = deleteAccount(db, scanInput("Username"), false); err != nil {
			retCode = 1
			fmt.Println(err.Error())
		}
	case pd != nil && *pd:
		if err = deleteAccount(db, scanInput("Username"), true); err != nil {
			retCode = 1
			fmt.Println(err.Error())
		}
	case ban != nil && *ban:
		if err = banAccount(db, scanInput("Username")); err != nil {
			retCode = 1
			fmt.Println(err.Error())
		}
	default:
		flag.Usage()
		retCode = 1
	}
}

func scanInput(prompt string) string {
	fmt.Printf("%s: ", prompt)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	return scanner.Text()
}

func addAccount(db *gorm.DB, username, password, email string) error {
	account := &data.Account{
		Username: username,
		Password: auth.HashPassword(password),
		Email:    email,
		Active:   true,
	}
	if err := data.CreateAccount(db, account); err != nil {
		return fmt.Errorf("failed to create account: %v", err)
	}
	fmt.Println("created account with ID: ", account.ID)
	return nil
}

func deleteAccount(db *gorm.DB, username string, permanent bool) error {
	account, err := findAccount(db, username)
	if err != nil {
		return err
	}

	if permanent {
		err = data.PermanentlyDeleteAccount(db, account)
	} else {
		err = data.DeleteAccount(db, account)
	}
	if err != nil {
		return fmt.Errorf("failed to delete account: %v", err)
	}
	fmt.Println("deleted account")
	return nil
}

func banAccount(db *gorm.DB, username string) error {
	account, err := findAccount(db, username)
	if err != nil {
		return err
	}

	account.Banned = true
	if err := db.Save(account).Error; err != nil {
		return fmt.Errorf("failed to ban account: %v", err)
	}
	fmt.Println("banned account")
	return nil
}

func findAccount(db *gorm.DB, username string) (*data.Account, error) {
	account, err := data.FindAccountByUsername(db, username)
	if err != nil {
		return nil, fmt.Errorf("failed to look up account: %v", err)
	}
	if account == nil {
		return nil, fmt.Errorf("no account with username %q", username)
	}
	return account, nil
}
