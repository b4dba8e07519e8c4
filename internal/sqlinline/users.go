package sqlinline

const QUpsertUserByChatID = `--sql 6ec4146f-c23b-4d03-8e48-7d58a0a8e5d7
insert into users (id, chat_id, username, balance, created_at, updated_at)
values (gen_random_uuid(), $1::bigint, nullif($2::text, ''), $3::int, now(), now())
on conflict (chat_id) do update set
    username = coalesce(excluded.username, users.username),
    updated_at = now()
returning id, chat_id, coalesce(username, ''), balance, created_at;
`

const QSelectUserByID = `--sql 1cb40067-b3c7-472d-a2d8-87e858d05db2
select id, chat_id, coalesce(username, ''), balance, created_at
from users
where id = $1::uuid;
`

// QGrantCredits never lets a negative grant push the balance below zero.
const QGrantCredits = `--sql 52b1c60e-0c2f-4f4e-a788-4f8d643456f7
update users
set balance = balance + $2::int,
    updated_at = now()
where id = $1::uuid
  and balance + $2::int >= 0
returning balance;
`
