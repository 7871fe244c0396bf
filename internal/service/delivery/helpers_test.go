package delivery_test

import deliveryservice "github.com/Additional-Code/remedio/internal/service/delivery"

func deliveryListAll() deliveryservice.ListInput {
	return deliveryservice.ListInput{Page: 1, Limit: 50}
}
