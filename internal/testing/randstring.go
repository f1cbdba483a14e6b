package testing

import (
	"math/rand"
	"strconv"
	"strings"
)

// RandString generates random string with 10 symbols length from lower- and uppercase alphabet
func RandString() string {
	var out strings.Builder
	charSet := "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	length := 10
	for i := 0; i < length; i++ {
		random := rand.Intn(len(charSet))
		randomChar := charSet[random]
		out.WriteString(string(randomChar))
	}
	return out.String()
}

// RandPhone generates a random E.164-looking phone number for unique user fixtures
func RandPhone() string {
	return "+1" + strconv.FormatInt(2000000000+rand.Int63n(7999999999), 10)
}
